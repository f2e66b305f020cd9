// Package notify implements the counting-signal primitive used for
// thread wakeups and hardware interrupt delivery.
//
// A Notification pairs a counter with a FIFO waiter list. The signal
// path is non-blocking and lock-minimal so drivers can invoke it from
// interrupt context through the IrqController.
package notify
