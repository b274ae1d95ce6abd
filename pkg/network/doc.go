/*
Package network holds the host networking pieces of the containerd backend.

HostPortPublisher makes a published port reachable when it differs from the
container port. containerd containers share the host network namespace, so
54320:5432 becomes a pair of iptables nat REDIRECT rules, one in PREROUTING
for remote clients and one in OUTPUT on lo for local ones.

CNIConfigs lists the networks defined under /etc/cni/net.d; an external
network in a descriptor must exist there.
*/
package network
