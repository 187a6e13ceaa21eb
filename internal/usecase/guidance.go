package usecase

import "voiceplan/internal/domain"

// Guidance returns the hint shown next to a session error. Every hint offers
// typing the request as the fallback.
func Guidance(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindPermissionDenied:
		return "Microphone access was refused. Grant microphone permission to the application, or type your request instead."
	case domain.KindDeviceNotFound:
		return "No usable microphone was found. Connect a microphone, or type your request instead."
	case domain.KindDeviceBusy:
		return "The microphone is in use by another application. Close it and try again, or type your request instead."
	case domain.KindConstraintUnsatisfiable:
		return "The microphone does not support the requested audio settings. Try another input device, or type your request instead."
	case domain.KindInsecureContext:
		return "Voice capture requires a secure connection (wss:// or a local address). Type your request instead."
	case domain.KindUnsupported:
		return "Voice capture is not supported on this system. Type your request instead."
	case domain.KindChannelTimeout:
		return "The recognition service did not answer in time. Try again shortly, or type your request instead."
	case domain.KindChannelError:
		return "The connection to the recognition service failed. Check the service address and try again, or type your request instead."
	case domain.KindSessionBusy:
		return "A recording is already in progress. Stop it before starting a new one."
	default:
		return "Voice input failed unexpectedly. Run the microphone diagnosis, or type your request instead."
	}
}
