package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"dripflow/engine"
)

// IMAPConfig holds the mailbox polled for replies.
type IMAPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string
	Mailbox    string
	Interval   time.Duration
}

// ReplyWorker polls an IMAP inbox for responses to dispatched messages
// and records them as replied events. Replies are correlated through
// the In-Reply-To and References headers, which carry the Message-ID
// the mailer stamped on the outbound send.
type ReplyWorker struct {
	cfg     IMAPConfig
	tracker *engine.Tracker
	logger  *log.Logger
}

func NewReplyWorker(cfg IMAPConfig, tracker *engine.Tracker, logger *log.Logger) *ReplyWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &ReplyWorker{cfg: cfg, tracker: tracker, logger: logger}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	if rw.cfg.Host == "" {
		rw.logger.Println("Reply worker disabled: no IMAP host configured")
		return
	}
	rw.logger.Println("Reply worker started")
	ticker := time.NewTicker(rw.cfg.Interval)

	for {
		select {
		case <-ticker.C:
			if err := rw.fetchReplies(ctx); err != nil {
				rw.logger.Printf("Error fetching replies: %v", err)
			}
		case <-ctx.Done():
			rw.logger.Println("Reply worker shutting down...")
			ticker.Stop()
			return
		}
	}
}

func (rw *ReplyWorker) fetchReplies(ctx context.Context) error {
	imapClient, err := rw.connect()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.cfg.Username, rw.cfg.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	if _, err := imapClient.Select(rw.cfg.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(ctx, msg); err != nil {
			rw.logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch messages: %v", err)
	}

	// Mark processed messages seen so the next poll skips them
	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.Store(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		rw.logger.Printf("Failed to mark messages seen: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rw.cfg.Host, rw.cfg.Port)
	switch strings.ToUpper(rw.cfg.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, &tls.Config{ServerName: rw.cfg.Host})
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(&tls.Config{ServerName: rw.cfg.Host}); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func (rw *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	messageID := referencedMessageID(msg)
	if messageID == "" {
		// Not a reply to anything we sent
		return nil
	}

	receivedAt := time.Now().UTC()
	if msg.Envelope != nil && !msg.Envelope.Date.IsZero() {
		receivedAt = msg.Envelope.Date.UTC()
	}

	err := rw.tracker.RecordEventByMessageID(ctx, messageID, "replied", receivedAt)
	var notFound *engine.NotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// referencedMessageID extracts our message identifier from the reply's
// threading headers, trying the envelope first and falling back to the
// raw body headers.
func referencedMessageID(msg *imap.Message) string {
	if msg.Envelope != nil && msg.Envelope.InReplyTo != "" {
		if id := extractLocalID(msg.Envelope.InReplyTo); id != "" {
			return id
		}
	}

	for _, literal := range msg.Body {
		mr, err := mail.CreateReader(literal)
		if err != nil {
			continue
		}
		header := mr.Header
		if raw := header.Get("In-Reply-To"); raw != "" {
			if id := extractLocalID(raw); id != "" {
				return id
			}
		}
		if raw := header.Get("References"); raw != "" {
			for _, ref := range strings.Fields(raw) {
				if id := extractLocalID(ref); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// extractLocalID pulls the identifier out of "<id@dripflow>" style
// message IDs; it returns "" for foreign IDs.
func extractLocalID(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "<>")
	parts := strings.SplitN(raw, "@", 2)
	if len(parts) != 2 || parts[1] != "dripflow" {
		return ""
	}
	return parts[0]
}
