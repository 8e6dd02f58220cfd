// Package virtualcan is a canlib driver for a TCP virtual CAN broker.
// Importing it registers the "virtualcan" driver (broker at localhost:18000).
package virtualcan
