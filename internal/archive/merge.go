package archive

import (
	"slack-monthly-archiver/internal/slack"
)

// Thread is a root message and its replies in first-seen order.
type Thread struct {
	Root    slack.Message
	Replies []slack.Message
}

// Threads is the merged view of one month, keyed by root id and iterated
// in root insertion order.
type Threads struct {
	order []string
	byID  map[string]*Thread
	// Orphans counts replies whose parent was not among the roots.
	Orphans int
}

// MergeThreads groups replies under their parent. Every message that is
// not a reply becomes a root; replies whose ParentID matches no root are
// dropped.
func MergeThreads(messages []slack.Message) *Threads {
	t := &Threads{byID: make(map[string]*Thread)}

	for _, m := range messages {
		if m.IsReply {
			continue
		}
		if _, dup := t.byID[m.ID]; dup {
			continue
		}
		t.order = append(t.order, m.ID)
		t.byID[m.ID] = &Thread{Root: m}
	}

	for _, m := range messages {
		if !m.IsReply {
			continue
		}
		parent, ok := t.byID[m.ParentID]
		if !ok || m.ID == m.ParentID {
			t.Orphans++
			continue
		}
		parent.Replies = append(parent.Replies, m)
	}

	return t
}

func (t *Threads) Len() int { return len(t.order) }

// Get returns the thread rooted at id.
func (t *Threads) Get(id string) (*Thread, bool) {
	th, ok := t.byID[id]
	return th, ok
}

// All returns the threads in root insertion order.
func (t *Threads) All() []*Thread {
	out := make([]*Thread, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// MaxReplies is the largest reply count of any thread.
func (t *Threads) MaxReplies() int {
	n := 0
	for _, th := range t.byID {
		if len(th.Replies) > n {
			n = len(th.Replies)
		}
	}
	return n
}
