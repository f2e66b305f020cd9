// Package task manages protection domains: task lifecycle and
// quotas, address-space region bookkeeping, fault reporting to
// supervisor ports, and the revocation cascade on destruction.
package task
