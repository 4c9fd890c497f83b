package main

import "time"

const (
	txQueueSize       = 1024 // capacity of the serial ack writer queue
	serialReadBufSize = 4096 // per read() buffer for the serial link
	// largeBufferReclaimThreshold is the capacity above which the temporary
	// serial RX accumulation buffer is discarded and reallocated once empty.
	// This prevents pathological growth (e.g., after bursts of noise / junk)
	// from permanently retaining large backing arrays.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)
