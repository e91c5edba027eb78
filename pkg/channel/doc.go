// Package channel provides typed single-producer single-consumer endpoints
// over a shm.TransferBuffer.
//
// A channel holds exactly one message. Send waits until the slot belongs to
// the sender, copies the value's bytes in and hands the slot over; Recv waits
// for the handoff, copies the bytes out and hands the slot back. Both spin;
// neither fails nor times out.
//
// Payload types must be byte-copyable: booleans, numbers, and arrays or
// structs of those. NewReceiver rejects anything holding a pointer.
//
// Endpoints are created in pairs before the program splits into processes:
//
//	rx, err := channel.NewReceiver[uint64](ctx)
//	tx := rx.NewSender()
//	info := spmd.Init()
//	if info.Rank == 0 {
//		tx.Send(123)
//	} else {
//		v := rx.Recv()
//	}
package channel
