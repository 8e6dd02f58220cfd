// Package kvaser is the statically linked canlib binding.
// Build with -tags kvaser, requires the canlib headers and library
// (canlib32 on windows, linuxcan's libcanlib on linux).
// Importing it registers the "kvaser" driver.
package kvaser
