// Package native declares the capability surface of native UI resources.
//
// The reconciliation engine never inspects a Handle; it only passes handles
// back to the Host that created them.
package native

// Handle is an opaque reference to a native resource.
type Handle interface{}

// Host creates and manipulates native resources. All methods are called from
// the presentation scheduler only.
type Host interface {
	// Create creates a native resource of the given kind.
	Create(kind string) Handle
	// Attach attaches child to parent, before the given sibling. A nil before
	// appends. Attaching a child that is already attached to parent moves it.
	Attach(parent, child, before Handle)
	// Detach detaches child from parent.
	Detach(parent, child Handle)
	// SetAttribute sets a native attribute. A nil value clears it.
	SetAttribute(h Handle, name string, value any)
	// Destroy destroys a resource. The handle must not be used afterwards.
	Destroy(h Handle)
}

// Pauser is implemented by hosts that can pause the subscriptions of a
// resource while it is parked in a recycle pool.
type Pauser interface {
	Pause(h Handle)
	Resume(h Handle)
}

// Pause calls host.Pause if host implements Pauser.
func Pause(host Host, h Handle) {
	if p, ok := host.(Pauser); ok {
		p.Pause(h)
	}
}

// Resume calls host.Resume if host implements Pauser.
func Resume(host Host, h Handle) {
	if p, ok := host.(Pauser); ok {
		p.Resume(h)
	}
}
