package history

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every record as one JSON message. It is write-only.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink returns a sink publishing on subject.
func NewNATSSink(pub Publisher, subject string) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("history: nil nats publisher")
	}
	if subject == "" {
		return nil, errors.New("history: empty nats subject")
	}
	return &NATSSink{pub: pub, subject: subject}, nil
}

// ConnectNATS dials url with a client name and reconnect defaults.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
}

// Subject returns the publish subject for tenant records.
func (s *NATSSink) Subject(tenant string) string {
	if tenant == "" {
		return s.subject
	}
	return s.subject + "." + tenant
}

func (s *NATSSink) Save(ctx context.Context, recs []Record) error {
	if err := validate(recs); err != nil {
		return err
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(s.Subject(r.Tenant), b); err != nil {
			return err
		}
	}
	return nil
}
