// Package ferry carries live values between processes: plain data, but also
// functions and streams which keep running where they were created.
//
// ## How it works
//
// A value travels as a conversation. Its [kind.Kind] deconstructs it into
// messages sent over a [channel.Channel], and the peer constructs it back
// from the messages it receives. Nested values are not inlined, they are
// *forked*: the session opens a sub-channel addressed by a small
// [channel.ForkHandle], and the nested value holds a conversation of its
// own there. This is how a function crosses the wire: the receiving side
// gets a stub which forks the arguments of each call, and the owning side
// forks the results back.
//
// The [format] package puts a whole session on a byte transport, one frame
// per message, tagged with its fork. Frames of forks the receiver did not
// register yet are held back until it does.
//
// On top of that, a [Core] registers factories under the fingerprint of
// their kind, and a [Handle] acquires them, without any other shared type
// than the kind itself:
//
//	core, _ := ferry.NewCore()
//	greet := kind.FuncOf(kind.Shared, kind.Args1(kind.String), kind.String)
//	ferry.Register(core, greet, func(context.Context) (kind.Func[kind.Cons[string, kind.Nil], string], error) {
//		return func(ctx context.Context, args kind.Cons[string, kind.Nil]) (string, error) {
//			return "hello " + args.Head, nil
//		}, nil
//	})
//	hello, release, _ := ferry.Acquire(ctx, core.Handle(), greet)
//	defer release.Close()
//
// An acquired function keeps its channel open until it is released. Plain
// values release their channel on their own once received.
//
// Finally, a [Fabric] serves a [Core] to other processes over mTLS QUIC.
// Peers gossip which capabilities they registered with memberlist, so
// [Fabric.Handle] finds a peer able to serve any fingerprint.
//
// ## Design Principles
//
// ### Anti-Fragile
//
// APIs MUST NOT model an *infallible* network. Remote functions return
// errors, a broken stub stays broken and tells so, and a failing fork never
// takes its siblings down.
//
// ### Minimalist
//
// The protocol only knows about messages, forks and fingerprints. Schemas
// are described by kinds, there is no IDL nor code generation.
package ferry
