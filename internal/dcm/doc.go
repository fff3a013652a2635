// Package dcm is the diagnostic communication manager. It builds the DoIP
// objects described by a config.Config and owns their lifecycle.
//
// Client plays the tester role: one diagnostic Conversation per configured
// conversation entry plus a vehicle discovery conversation. Server plays
// the DoIP entity role: one Channel per configured ECU plus a vehicle
// identification responder.
package dcm
