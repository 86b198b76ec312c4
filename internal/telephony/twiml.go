package telephony

import (
	"github.com/twilio/twilio-go/twiml"
)

// StreamResponse greets the caller, then connects the call audio to the
// websocket at streamURL for the rest of the call.
func StreamResponse(greeting, streamURL string) (string, error) {
	var verbs []twiml.Element
	if greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting})
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{&twiml.VoiceStream{Url: streamURL}},
	}
	verbs = append(verbs, connect)
	return twiml.Voice(verbs)
}

// HangupResponse says message and hangs up.
func HangupResponse(message string) (string, error) {
	say := &twiml.VoiceSay{Message: message}
	hangup := &twiml.VoiceHangup{}
	return twiml.Voice([]twiml.Element{say, hangup})
}
