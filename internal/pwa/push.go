package pwa

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"` // unix millis
	PrimaryKey    int   `json:"primaryKey"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    *NotificationData    `json:"data,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
	ShownAt time.Time            `json:"shownAt"`
}

// Notifier puts a notification in front of the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Outbox keeps the most recent notifications for pages to poll. A new
// notification replaces an older one with the same non-empty tag.
type Outbox struct {
	log *zap.Logger
	max int

	mu    sync.Mutex
	items []Notification
}

func NewOutbox(max int, log *zap.Logger) *Outbox {
	if max <= 0 {
		max = 50
	}
	return &Outbox{log: log, max: max}
}

func (o *Outbox) Show(_ context.Context, n Notification) error {
	if n.ShownAt.IsZero() {
		n.ShownAt = time.Now().UTC()
	}
	o.mu.Lock()
	if n.Tag != "" {
		kept := o.items[:0]
		for _, it := range o.items {
			if it.Tag != n.Tag {
				kept = append(kept, it)
			}
		}
		o.items = kept
	}
	o.items = append(o.items, n)
	if len(o.items) > o.max {
		o.items = append([]Notification(nil), o.items[len(o.items)-o.max:]...)
	}
	o.mu.Unlock()

	o.log.Info("notification", zap.String("title", n.Title), zap.String("tag", n.Tag))
	return nil
}

// Recent returns queued notifications, newest first.
func (o *Outbox) Recent() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Notification, len(o.items))
	for i, n := range o.items {
		out[len(o.items)-1-i] = n
	}
	return out
}

// Push shows the notification for an incoming push message; the payload
// text becomes its body.
func (s *Service) Push(ctx context.Context, payload []byte) (Notification, error) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = s.cfg.Push.DefaultBody
	}
	n := Notification{
		Title:   s.cfg.Push.Title,
		Body:    body,
		Icon:    s.cfg.Push.Icon,
		Badge:   s.cfg.Push.Badge,
		Vibrate: []int{200, 100, 200},
		Data: &NotificationData{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: "explore", Title: "View Map", Icon: "/icons/map-icon.png"},
			{Action: "close", Title: "Close", Icon: "/icons/close-icon.png"},
		},
	}
	if err := s.notify.Show(ctx, n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// NotificationClick handles a click on a shown notification. "explore"
// opens the map in a new window, which is returned; anything else only
// closes the notification and returns nil.
func (s *Service) NotificationClick(_ context.Context, action string) (*Client, error) {
	if action != "explore" {
		return nil, nil
	}
	c := s.clients.OpenWindow("/", s.Version())
	s.log.Info("notification opened window", zap.String("client", c.ID))
	return &c, nil
}

func (s *Service) showNotification(ctx context.Context, n Notification) {
	if err := s.notify.Show(ctx, n); err != nil {
		s.log.Warn("show notification", zap.String("title", n.Title), zap.Error(err))
	}
}
