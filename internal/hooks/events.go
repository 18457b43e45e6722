package hooks

import "time"

const (
	EventRuleExecuted = "rule.executed"
	EventRuleFailed   = "rule.failed"
	EventRuleMatched  = "rule.matched"
	EventPollFailed   = "poll.failed"
)

// Event is the webhook payload.
type Event struct {
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Account   string    `json:"account,omitempty"`
	Rule      *Rule     `json:"rule,omitempty"`
	Item      *Item     `json:"item,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

// Rule identifies the automation rule that produced the event.
type Rule struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items int    `json:"items,omitempty"`
}

// Item identifies the download the event concerns.
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewEvent(eventType string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Event) WithAccount(accountID string) *Event {
	e.Account = accountID
	return e
}

func (e *Event) WithRule(id, name string, items int) *Event {
	e.Rule = &Rule{ID: id, Name: name, Items: items}
	return e
}

func (e *Event) WithItem(id, name, state string, progress float64) *Event {
	e.Item = &Item{ID: id, Name: name, State: state, Progress: progress}
	return e
}

func (e *Event) WithError(code, message string) *Event {
	e.Error = &Error{Code: code, Message: message}
	return e
}
