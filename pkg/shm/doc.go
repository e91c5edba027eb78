// Package shm provides TransferBuffer, a single shared slot with a one-word
// ownership flag, for handing fixed-size values between related processes.
//
// The mapping is backed by a memfd. A process started by pkg/spmd receives the
// descriptors of every buffer its parent holds, and Open in the child attaches
// the first one with the same Name instead of creating a new one. The flag
// starts as Sender unless OpenOptions.Owner says otherwise.
//
// Example usage:
//
//	buf, err := shm.Open(ctx, shm.OpenOptions{Name: "ping", Size: 8})
//	// sender side
//	buf.SpinUntil(shm.Sender)
//	copy(buf.Payload(), data)
//	buf.WriteFlag(shm.Receiver)
//
// Most code should use the typed endpoints in pkg/channel instead.
package shm
