// Package buffer defines the hand-off between transport-owned byte storage and
// the read-only views delivered to session pipelines.
//
// A transport reads into a Shared buffer. When the event bridge receives that
// buffer it calls Take, which wraps the readable region as a View and marks
// the source fully consumed. The View shares backing storage with the source;
// nothing is copied. Because the source reader index is advanced past the
// region, a second Take (or any other consumer of the same Shared buffer)
// observes an empty region, so a payload can never be delivered twice.
//
//	src := buffer.NewShared(readBuf[:n])
//	v := buffer.Take(src) // v.Len() == n, src.Readable() == 0
package buffer
