package deepgram

import (
	"encoding/json"
	"errors"
	"strings"
)

// Control message types written on the text channel.
const (
	controlKeepAlive   = "KeepAlive"
	controlCloseStream = "CloseStream"
)

type controlMessage struct {
	Type string `json:"type"`
}

func encodeControl(kind string) []byte {
	raw, _ := json.Marshal(controlMessage{Type: kind})
	return raw
}

type listenResponse struct {
	Type        string        `json:"type"`
	IsFinal     bool          `json:"is_final"`
	SpeechFinal bool          `json:"speech_final"`
	Channel     resultChannel `json:"channel"`
	Description string        `json:"description"`
	Message     string        `json:"message"`
}

type resultChannel struct {
	Alternatives []alternative `json:"alternatives"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// result is one decoded server message. Text is empty for messages that carry
// no transcript.
type result struct {
	Text  string
	Final bool
}

// parseResponse decodes a listen message. Provider-side errors are returned
// as errors; unknown message types yield an empty result.
func parseResponse(payload []byte) (result, error) {
	var response listenResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return result{}, nil
	}

	switch strings.ToLower(response.Type) {
	case "error":
		message := strings.TrimSpace(response.Description)
		if message == "" {
			message = strings.TrimSpace(response.Message)
		}
		if message == "" {
			message = "deepgram returned an unknown error"
		}
		return result{}, errors.New(message)
	case "results", "":
		if len(response.Channel.Alternatives) == 0 {
			return result{}, nil
		}
		return result{
			Text:  strings.TrimSpace(response.Channel.Alternatives[0].Transcript),
			Final: response.IsFinal || response.SpeechFinal,
		}, nil
	default:
		return result{}, nil
	}
}
