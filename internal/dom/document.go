// Package dom is the live document the interceptors observe: an
// x/net/html tree with document-level event dispatch and a mutation
// observer.
package dom

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var (
	ErrNoMatch  = errors.New("dom: no element matches selector")
	ErrDetached = errors.New("dom: node is not attached to the document")
	ErrNotChild = errors.New("dom: node is not a child of parent")
)

// Event is a dispatched DOM event.
type Event struct {
	Type      string
	Target    *html.Node
	Bubbles   bool
	ClientX   float64
	ClientY   float64
	Synthetic bool
}

type Listener func(ev *Event)

// MutationRecord mirrors the fields of a browser MutationRecord that the
// capture layer summarises.
type MutationRecord struct {
	Type          string // childList|attributes
	Target        *html.Node
	AddedNodes    []*html.Node
	RemovedNodes  []*html.Node
	AttributeName string
}

const (
	MutationChildList  = "childList"
	MutationAttributes = "attributes"
)

type MutationCallback func(records []MutationRecord)

type listener struct {
	id      uint64
	fn      Listener
	capture bool
}

type observer struct {
	id uint64
	fn MutationCallback
}

// Document is safe for concurrent use. Listeners and observers are invoked
// without the document lock held, so they may call back into it.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	url       string
	nextID    uint64
	listeners map[string][]listener
	observers []observer
	pending   []MutationRecord
}

// Parse builds a document from HTML markup.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return NewDocument(root, pageURL), nil
}

func NewDocument(root *html.Node, pageURL string) *Document {
	return &Document{
		root:      root,
		url:       pageURL,
		listeners: make(map[string][]listener),
	}
}

func (d *Document) URL() string { return d.url }

func (d *Document) Root() *html.Node { return d.root }

// AddEventListener registers fn at document level. Capture listeners run
// for every dispatched event; bubble listeners only for bubbling events.
func (d *Document) AddEventListener(kind string, fn Listener, capture bool) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[kind] = append(d.listeners[kind], listener{id: id, fn: fn, capture: capture})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.listeners[kind]
		for i, l := range ls {
			if l.id == id {
				d.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev targeted at target. A panicking listener does not
// prevent the remaining listeners from running.
func (d *Document) Dispatch(target *html.Node, ev *Event) error {
	d.mu.Lock()
	attached := d.containsLocked(target)
	ls := append([]listener(nil), d.listeners[ev.Type]...)
	d.mu.Unlock()

	if !attached {
		return ErrDetached
	}
	ev.Target = target

	for _, l := range ls {
		if l.capture {
			invoke(l.fn, ev)
		}
	}
	if ev.Bubbles {
		for _, l := range ls {
			if !l.capture {
				invoke(l.fn, ev)
			}
		}
	}
	return nil
}

func invoke(fn Listener, ev *Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

func (d *Document) containsLocked(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Query returns the first element matching a CSS selector.
func (d *Document) Query(selector string) (*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("dom: compile selector %q: %w", selector, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if n := sel.MatchFirst(d.root); n != nil {
		return n, nil
	}
	return nil, ErrNoMatch
}

// Locator computes the structural locator of n under the document lock.
func (d *Document) Locator(n *html.Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Locator(n)
}

// Observe registers a subtree-wide mutation observer for the whole
// document.
func (d *Document) Observe(fn MutationCallback) (disconnect func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// AppendChild moves child under parent, recording the removal from its
// previous parent first.
func (d *Document) AppendChild(parent, child *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.containsLocked(parent) {
		return ErrDetached
	}
	if old := child.Parent; old != nil {
		old.RemoveChild(child)
		d.queueLocked(MutationRecord{Type: MutationChildList, Target: old, RemovedNodes: []*html.Node{child}})
	}
	parent.AppendChild(child)
	d.queueLocked(MutationRecord{Type: MutationChildList, Target: parent, AddedNodes: []*html.Node{child}})
	return nil
}

func (d *Document) RemoveChild(parent, child *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if child.Parent != parent {
		return ErrNotChild
	}
	parent.RemoveChild(child)
	d.queueLocked(MutationRecord{Type: MutationChildList, Target: parent, RemovedNodes: []*html.Node{child}})
	return nil
}

func (d *Document) SetAttribute(n *html.Node, key, val string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.containsLocked(n) {
		return ErrDetached
	}
	set := false
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			set = true
			break
		}
	}
	if !set {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	d.queueLocked(MutationRecord{Type: MutationAttributes, Target: n, AttributeName: key})
	return nil
}

func (d *Document) queueLocked(rec MutationRecord) {
	if len(d.observers) == 0 {
		return
	}
	d.pending = append(d.pending, rec)
}

// Flush delivers queued mutation records to every observer as one batch.
func (d *Document) Flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	obs := append([]observer(nil), d.observers...)
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, o := range obs {
		deliver(o.fn, batch)
	}
}

func deliver(fn MutationCallback, batch []MutationRecord) {
	defer func() { _ = recover() }()
	fn(batch)
}
