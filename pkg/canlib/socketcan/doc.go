// Package socketcan is a statically available canlib driver for linux
// socketcan interfaces. Importing it registers the "socketcan" (can0, can1 ...)
// and "vcan" (vcan0, vcan1 ...) drivers.
package socketcan
