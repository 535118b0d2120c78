package query

import "github.com/remodela-ai/demo-flux-copilot/internal/generate"

// Observer tracks the query for the current key. It keeps two slots: the
// entry resolved for the current key, and the previous successful entry,
// which stands in as placeholder data while the current key is in flight.
type Observer struct {
	key      Key
	current  *Entry
	previous *Entry
	fetching bool
	err      error
}

// SetKey switches the observed key. It reports whether a fetch is needed.
func (o *Observer) SetKey(key Key) bool {
	if key == o.key && (o.current != nil || o.fetching) {
		return false
	}
	o.key = key
	o.current = nil
	o.err = nil
	o.fetching = key.Enabled()
	return o.fetching
}

// Resolve applies a finished fetch. It reports whether the result belongs to
// the observed key; results for other keys only update the previous slot.
func (o *Observer) Resolve(key Key, e *Entry, err error) bool {
	isCurrent := key == o.key
	if err != nil {
		if isCurrent {
			o.fetching = false
			o.err = err
		}
		return isCurrent
	}
	if e == nil {
		return false
	}
	if isCurrent {
		o.current = e
		o.previous = e
		o.fetching = false
		o.err = nil
		return true
	}
	if o.current == nil {
		o.previous = e
	}
	return false
}

func (o Observer) Key() Key         { return o.key }
func (o Observer) Fetching() bool   { return o.fetching }
func (o Observer) Err() error       { return o.err }
func (o Observer) Previous() *Entry { return o.previous }

// Data returns the entry for the current key, falling back to the previous
// successful entry. placeholder is true for the fallback.
func (o Observer) Data() (e *Entry, placeholder bool) {
	if o.current != nil {
		return o.current, false
	}
	if o.previous != nil {
		return o.previous, true
	}
	return nil, false
}

// Image is a shortcut for the image of Data.
func (o Observer) Image() *generate.Image {
	e, _ := o.Data()
	if e == nil {
		return nil
	}
	return e.Image
}
