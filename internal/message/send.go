package message

import (
	"log/slog"

	"github.com/CZERTAINLY/Herald/internal/future"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

// Send posts msg as a new sequential node below prefix and resolves to
// completion once the receiver deleted the node, i.e. consumed the message.
func Send[T any](c *zkclient.Client, prefix string, msg Message, completion T) *future.Future[T] {
	data, err := Encode(msg)
	if err != nil {
		return future.Failed[T](prefix, err)
	}
	created := c.Create(prefix, data, zkclient.PersistentSequential, true)
	consumed := future.Then(created, future.Inline, func(name string) *future.Future[string] {
		slog.Debug("message posted", "node", name, "type", msg.Type, "command", msg.Command.Command)
		return zkclient.WatchDeleted(c, name)
	})
	return future.Map(consumed, future.Inline, func(string) (T, error) {
		return completion, nil
	})
}
