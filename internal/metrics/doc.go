// Package doipmetrics exports DoIP channel, frame, conversation and
// discovery events as Prometheus metrics.
package doipmetrics
