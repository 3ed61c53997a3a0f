// Package telemetry holds the most recent sensor reading per device and a
// bounded history of readings per logical group.
//
// Readings are schema-less: the values map carries whatever metrics a
// controller reports (numbers, booleans, strings). The capture timestamp is
// always assigned by the gateway on receipt and is strictly increasing
// within the process, so history order is both insertion and time order.
//
// History per group is a fixed-capacity ring. Appending to a full ring
// evicts the oldest entry in O(1).
package telemetry
