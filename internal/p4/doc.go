// Package p4 drives the Perforce command-line client.
//
// Every server interaction is a p4 subprocess started with a discrete
// argument vector; no shell is involved, so path fragments supplied by the
// user are never reinterpreted. Output is parsed into typed records by one
// small parser per output shape:
//
//   - tagged output (-ztag dotted records and -Mj JSON lines)
//   - changelist listings (p4 changes)
//   - change descriptions with diffs (p4 describe)
//   - opened and shelved file state (p4 fstat)
//   - per-line attribution (p4 annotate)
//   - spec forms and key/value reports (p4 client -o, p4 stream -o, p4 info)
//
// Malformed lines are dropped; they never fail a query.
//
// # Sessions
//
// A Session names the active workspace and caches the server's ClientInfo.
// Switching workspace returns a new Session, which invalidates the cache
// without mutating the old value:
//
//	sess := p4.NewSession("alice_main")
//	info, err := client.Info(ctx, sess)
//	...
//	sess = sess.Switch("alice_release")
//
// # Runners
//
// Client talks to the server through the Runner interface. Exec is the
// subprocess implementation; tests substitute canned output.
package p4
