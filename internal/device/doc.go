// Package device defines the GATT domain model shared by the command scheduler and the
// radio adapters: peripheral snapshots, connection and radio states, the error taxonomy,
// and the Radio / EventSink contracts a driver binding has to satisfy.
//
// Adapters own the live GATT state. Everything handed out through this package is a
// snapshot: a nil Services or Characteristics slice means discovery never ran, while an
// empty slice means discovery ran and found nothing.
package device
