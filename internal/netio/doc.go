// Package netio provides the socket implementation of doip.Transport.
//
// TCP_DATA connections are read frame by frame using the DoIP generic
// header to size each payload read. UDP_DISCOVERY endpoints use
// golang.org/x/net/ipv4 control messages to tell broadcast datagrams from
// unicast ones. Linux socket options are set through golang.org/x/sys/unix.
package netio
