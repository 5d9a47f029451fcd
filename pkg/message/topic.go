package message

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	pkgstrings "github.com/klwxsrx/go-stream-binder/pkg/strings"
)

type (
	Topic          string
	SubscriberName string
)

// QueueName builds the queue a subscriber group consumes from. Durable groups get
// "<prefix>wk/<group>/<destination>", anonymous subscribers get "<prefix>an/<uuid>/<destination>".
func QueueName(prefix string, group SubscriberName, destination Topic) string {
	sb := strings.Builder{}
	sb.WriteString(prefix)
	if group == "" {
		sb.WriteString("an/")
		sb.WriteString(uuid.NewString())
	} else {
		sb.WriteString("wk/")
		sb.WriteString(pkgstrings.ToKebabCase(string(group)))
	}
	sb.WriteString("/")
	sb.WriteString(string(destination))

	return sb.String()
}

// DestinationSequence names dynamic destinations with an increasing suffix. Each owner holds its own sequence.
type DestinationSequence struct {
	prefix  string
	counter *atomic.Uint64
}

func NewDestinationSequence(prefix string) *DestinationSequence {
	return &DestinationSequence{
		prefix:  prefix,
		counter: &atomic.Uint64{},
	}
}

func (s *DestinationSequence) Next() Topic {
	return Topic(fmt.Sprintf("%s%d", s.prefix, s.counter.Add(1)))
}
