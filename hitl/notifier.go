package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/agentgraph/logging"
	"github.com/nats-io/nats.go"
)

// LogNotifier writes every request to a logger. It is the default transport.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, req Request) error {
	n.logger.Info("Human checkpoint pending",
		"request_id", req.ID,
		"workflow_id", req.WorkflowID,
		"stage", req.StageID,
		"kind", req.Kind,
		"priority", req.Priority,
		"title", req.Title,
	)
	return nil
}

// MultiNotifier fans a request out to several notifiers. The first error wins.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, req Request) error {
	for _, n := range m {
		if err := n.Notify(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Conn is the subset of *nats.Conn used by NATSNotifier.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSOptions configures a NATSNotifier.
type NATSOptions struct {
	// SubjectPrefix prefixes all subjects. Requests are published on
	// <prefix>.requests.<workflow id>; responses are read from <prefix>.responses.
	SubjectPrefix string
	Logger        logging.Logger
}

// NATSNotifier publishes checkpoint requests to NATS and feeds responses
// arriving on the response subject back into a Manager.
type NATSNotifier struct {
	conn Conn
	opts NATSOptions

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSNotifier creates a notifier over an established connection.
func NewNATSNotifier(conn Conn, optFns ...func(o *NATSOptions)) *NATSNotifier {
	opts := NATSOptions{SubjectPrefix: "agentgraph.hitl", Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &NATSNotifier{conn: conn, opts: opts}
}

// RequestSubject returns the subject a request for workflowID is published on.
func (n *NATSNotifier) RequestSubject(workflowID string) string {
	return fmt.Sprintf("%s.requests.%s", n.opts.SubjectPrefix, workflowID)
}

// ResponseSubject returns the subject responses are expected on.
func (n *NATSNotifier) ResponseSubject() string {
	return n.opts.SubjectPrefix + ".responses"
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(_ context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal checkpoint request: %w", err)
	}
	if err := n.conn.Publish(n.RequestSubject(req.WorkflowID), data); err != nil {
		return fmt.Errorf("publish checkpoint request: %w", err)
	}
	return nil
}

// Listen subscribes to the response subject and routes each decoded
// Response to m.Respond. Malformed or late responses are logged and dropped.
func (n *NATSNotifier) Listen(m *Manager) error {
	sub, err := n.conn.Subscribe(n.ResponseSubject(), func(msg *nats.Msg) {
		n.handle(m, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.ResponseSubject(), err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	return nil
}

func (n *NATSNotifier) handle(m *Manager, data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		n.opts.Logger.Warn("Dropping malformed checkpoint response", "error", err)
		return
	}
	if _, err := m.Respond(resp.RequestID, resp); err != nil {
		n.opts.Logger.Warn("Checkpoint response rejected", "request_id", resp.RequestID, "error", err)
	}
}

// Close removes the response subscription.
func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return nil
	}
	err := n.sub.Unsubscribe()
	n.sub = nil
	return err
}
