package callsystem

import (
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go/twiml"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
)

// StreamName names the <Stream> in every document.
const StreamName = "voice-agent"

// CallSIDParameter carries the call id into the stream's start frame.
const CallSIDParameter = "callSid"

type sayOptions struct {
	voice    string
	language string
}

// IncomingTwiML connects an inbound call straight to the media stream. The
// start frame's callSid identifies the call.
func (p *Provider) IncomingTwiML() (string, error) {
	return p.streamTwiML(p.wssURL(voiceagent.RouteConnection), nil)
}

// VoiceTwiML connects an outbound call to the media stream. Twilio strips
// query strings from stream URLs, so the id also travels as a <Parameter>
// and arrives in start.customParameters.
func (p *Provider) VoiceTwiML(callID string) (string, error) {
	if callID == "" {
		return "", fmt.Errorf("call id is required")
	}
	streamURL := p.wssURL(voiceagent.RouteConnection) + "?" + url.Values{CallSIDParameter: {callID}}.Encode()
	params := []twiml.Element{
		twiml.VoiceParameter{Name: CallSIDParameter, Value: callID},
	}
	return p.streamTwiML(streamURL, params)
}

// SayTwiML speaks text and hangs up.
func (p *Provider) SayTwiML(text string) (string, error) {
	say := twiml.VoiceSay{
		Message:  text,
		Voice:    p.say.voice,
		Language: p.say.language,
	}
	doc, err := twiml.Voice([]twiml.Element{say, twiml.VoiceHangup{}})
	if err != nil {
		return "", fmt.Errorf("render say twiml: %w", err)
	}
	return doc, nil
}

func (p *Provider) streamTwiML(streamURL string, params []twiml.Element) (string, error) {
	stream := twiml.VoiceStream{
		Name:          StreamName,
		Url:           streamURL,
		InnerElements: params,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("render stream twiml: %w", err)
	}
	return doc, nil
}

func (p *Provider) wssURL(route string) string {
	return "wss://" + p.host + route
}

func (p *Provider) httpsURL(route string) string {
	return "https://" + p.host + route
}
