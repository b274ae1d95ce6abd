// Package volume manages named volumes for the containerd backend as
// directories under a base path (default /var/lib/topo/volumes).
package volume
