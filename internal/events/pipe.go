package events

// Pipeline is the configuration surface handed to Bus.Pipe's configure
// callback. It lets a caller derive a new Bus whose event vocabulary
// differs from the source, either by identity-forwarding named events
// (Pass) or by listening on the source and emitting arbitrary transforms
// on the target (via Source/Target directly).
type Pipeline struct {
	Source *Bus
	Target *Bus
}

// Pass forwards each named source event to the target bus unchanged. The
// caller is responsible for ensuring the argument tuple types match on
// both ends; this is a structural contract enforced by convention in Go,
// not by the type system.
func (p *Pipeline) Pass(events ...string) {
	for _, name := range events {
		name := name
		_, _ = p.Source.On(name, func(args ...interface{}) {
			p.Target.Emit(name, args...)
		})
	}
}

// Pipe derives a new dispatcher fed by listeners the configure callback
// registers on the source bus. Subscriptions made inside configure happen
// before Pipe returns, so callers observing the new bus never race its
// setup.
func (b *Bus) Pipe(configure func(p *Pipeline)) *Bus {
	target := NewBus()
	configure(&Pipeline{Source: b, Target: target})
	return target
}
