// Package buffer provides a thread-safe unbounded FIFO queue for streaming
// handoff between goroutines.
//
// Queue never blocks the producer. Consumers block in Pop until an element
// arrives or the queue is closed. Closing follows the io.Pipe convention:
// CloseWrite lets consumers drain and then observe io.EOF, CloseWithError
// fails both sides immediately.
//
// Example usage:
//
//	q := buffer.NewQueue[string](16)
//	q.Push("hello")
//	q.CloseWrite()
//
//	for {
//		v, err := q.Pop(ctx)
//		if err == io.EOF {
//			break
//		}
//		...
//	}
package buffer
