package channel

// Sequencer hands out outbound sequence numbers per channel. Numbers start
// at 1 and wrap around after 2^32-1.
type Sequencer struct {
	next map[string]uint32
}

// NewSequencer returns a sequencer with every channel at zero.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint32)}
}

// Next returns the sequence number for the next packet on channel.
func (s *Sequencer) Next(channel string) uint32 {
	seq := s.next[channel] + 1
	if seq == 0 {
		seq = 1
	}
	s.next[channel] = seq
	return seq
}

// Newer reports whether a is more recent than b, treating the 32-bit space
// as circular so that sequences keep working across wrap-around.
func Newer(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

type streamKey struct {
	sender  uint64
	channel string
}

// Receiver filters inbound packets according to each channel's mode. For
// sequenced channels a packet is accepted only when it is newer than every
// packet previously accepted from the same sender on the same channel.
type Receiver struct {
	registry *Registry
	newest   map[streamKey]uint32
	seen     map[streamKey]bool
}

// NewReceiver binds a filter to the channel declarations.
func NewReceiver(registry *Registry) *Receiver {
	return &Receiver{
		registry: registry,
		newest:   make(map[streamKey]uint32),
		seen:     make(map[streamKey]bool),
	}
}

// Accept decides whether a packet should be applied. It returns the newest
// sequence previously accepted so callers can log discards.
func (r *Receiver) Accept(sender uint64, channel string, seq uint32) (bool, uint32) {
	ch := r.registry.MustLookup(channel)
	if !ch.Mode.Sequenced() {
		return true, 0
	}
	key := streamKey{sender: sender, channel: channel}
	newest := r.newest[key]
	if r.seen[key] && !Newer(seq, newest) {
		return false, newest
	}
	r.newest[key] = seq
	r.seen[key] = true
	return true, newest
}

// Forget drops every stream state for sender, e.g. after it disconnects so
// a reconnect under the same id starts fresh.
func (r *Receiver) Forget(sender uint64) {
	for key := range r.newest {
		if key.sender == sender {
			delete(r.newest, key)
			delete(r.seen, key)
		}
	}
}
