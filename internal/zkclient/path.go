package zkclient

import (
	"strings"
)

// parseConnect splits "host1:2181,host2:2181/chroot" into servers and namespace.
func parseConnect(connect string) (servers []string, namespace string) {
	hosts := connect
	if i := strings.IndexByte(connect, '/'); i >= 0 {
		hosts = connect[:i]
		namespace = strings.TrimRight(connect[i:], "/")
	}
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			servers = append(servers, h)
		}
	}
	return servers, namespace
}

// parentOf returns the parent of an absolute path, "/" for top level nodes and
// "" for the root itself.
func parentOf(path string) string {
	if path == "/" || path == "" {
		return ""
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Join concatenates path elements with "/".
func Join(elems ...string) string {
	var sb strings.Builder
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		sb.WriteByte('/')
		sb.WriteString(e)
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

func (c *Client) abs(path string) string {
	if c.namespace == "" {
		return path
	}
	if path == "/" {
		return c.namespace
	}
	return c.namespace + path
}

func (c *Client) rel(path string) string {
	if c.namespace == "" {
		return path
	}
	p := strings.TrimPrefix(path, c.namespace)
	if p == "" {
		return "/"
	}
	return p
}
