package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"voiceplan/internal/bootstrap"
	"voiceplan/internal/domain"
	"voiceplan/internal/usecase"
)

const (
	eventSession    = "voiceplan:session"
	eventTranscript = "voiceplan:transcript"
	eventVoice      = "voiceplan:voice"
	eventError      = "voiceplan:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	services bootstrap.Services
	ready    bool
	bootErr  error
}

// SubmitResult is what the frontend receives after a plan request.
type SubmitResult struct {
	ID   string          `json:"id"`
	Plan json.RawMessage `json:"plan,omitempty"`
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.KindUnknown, err.Error())
		return
	}

	a.services = services
	a.ready = true
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonMicCold)
}

func (a *App) shutdown(_ context.Context) {
	if !a.ready {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), a.services.Config.Channel.StopAckTimeout)
	defer cancel()
	_ = a.services.Session.Stop(stopCtx)
	_ = a.services.Channel.Close()
}

// Start begins a recording session.
func (a *App) Start() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Session.Start(a.ctx); err != nil {
		if errors.Is(err, domain.ErrSessionBusy) {
			a.SessionError(domain.KindSessionBusy, err.Error())
		}
		return a.services.Session.Status(), err
	}
	return a.services.Session.Status(), nil
}

// Stop ends the active recording and waits for the server acknowledgement.
func (a *App) Stop() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.services.Session.Stop(a.ctx)
	return a.services.Session.Status(), err
}

// Reset clears a failed session so a new recording can start.
func (a *App) Reset() domain.Status {
	if a.requireReady() != nil {
		return a.GetStatus()
	}
	a.services.Session.Reset()
	return a.services.Session.Status()
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if !a.ready {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateFailed, Active: false, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle, Active: false}
	}
	return a.services.Session.Status()
}

// Diagnose runs the capture probe.
func (a *App) Diagnose() (domain.DiagnosisReport, error) {
	if err := a.requireReady(); err != nil {
		return domain.DiagnosisReport{}, err
	}
	return a.services.Prober.Probe(a.ctx), nil
}

// Submit sends the finalized transcript, or typed text when given, to the planner.
func (a *App) Submit(text string) (SubmitResult, error) {
	if err := a.requireReady(); err != nil {
		return SubmitResult{}, err
	}
	plan, err := a.services.Submitter.Submit(a.ctx, text)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ID: plan.ID, Plan: plan.Raw}, nil
}

// Guidance returns the fallback hint for an error kind.
func (a *App) Guidance(kind string) string {
	return usecase.Guidance(domain.ErrorKind(kind))
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	cfg := a.services.Config
	return map[string]string{
		"channel":          cfg.Channel.URL,
		"mode":             string(cfg.Session.Mode),
		"audioInput":       cfg.Audio.InputDevice,
		"audioInputFormat": cfg.Audio.InputFormat,
		"planner":          cfg.Planner.BaseURL,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if !a.ready {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// TranscriptRendered emits the aggregated transcript.
func (a *App) TranscriptRendered(render domain.RenderInstruction) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, render)
}

// VoiceReply notifies the UI that synthesized audio is playing.
func (a *App) VoiceReply(reply domain.VoiceReply) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventVoice, map[string]int{
		"bytes":      len(reply.PCM),
		"sampleRate": reply.SampleRate,
	})
}

// SessionError emits classified failures with the fallback hint.
func (a *App) SessionError(kind domain.ErrorKind, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"kind":     string(kind),
		"message":  errorMessage(kind, detail),
		"detail":   detail,
		"guidance": usecase.Guidance(kind),
	})
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonMicCold:
		return "Mic cold"
	case domain.SessionReasonHandshake:
		return "Connecting to the recognizer..."
	case domain.SessionReasonRecordingStarted:
		return "Recording started"
	case domain.SessionReasonStopRequested:
		return "Stopping..."
	case domain.SessionReasonRecordingStopped:
		return "Recording stopped"
	case domain.SessionReasonServerStopped:
		return "Recording stopped by the server"
	case domain.SessionReasonStartCancelled:
		return "Recording cancelled"
	case domain.SessionReasonHandshakeTimeout:
		return "Recognizer did not answer in time"
	case domain.SessionReasonHandshakeFailed:
		return "Recognizer refused the recording"
	case domain.SessionReasonDeviceFailed:
		return "Microphone could not be opened"
	case domain.SessionReasonDeviceLost:
		return "Microphone disconnected"
	case domain.SessionReasonChannelFailed:
		return "Connection to the recognizer lost"
	case domain.SessionReasonReset:
		return "Ready"
	default:
		return ""
	}
}

func errorMessage(kind domain.ErrorKind, detail string) string {
	switch kind {
	case domain.KindPermissionDenied:
		return "Microphone permission denied"
	case domain.KindDeviceNotFound:
		return "No microphone found"
	case domain.KindDeviceBusy:
		return "Microphone busy"
	case domain.KindConstraintUnsatisfiable:
		return "Microphone settings unsupported"
	case domain.KindInsecureContext:
		return "Insecure connection"
	case domain.KindUnsupported:
		return "Voice capture unsupported"
	case domain.KindChannelTimeout:
		return "Recognizer timed out"
	case domain.KindChannelError:
		return "Recognizer connection error"
	case domain.KindSessionBusy:
		return "Recording already in progress"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
