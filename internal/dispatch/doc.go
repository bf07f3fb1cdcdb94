// Package dispatch provides the business boundary for the incident dispatch
// system. It defines the Service (duplicate/outage gating, assignment,
// lifecycle, load accounting), the Store, Oracle and Notifier interfaces,
// SLA computation, and the domain models.
package dispatch
