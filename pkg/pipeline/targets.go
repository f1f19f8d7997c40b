package pipeline

import (
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// subject returns the process an event is about: the new image for exec,
// the originator otherwise.
func subject(ev *events.Event) *events.Process {
	if exec, ok := ev.AsExec(); ok {
		return exec.Target
	}
	return ev.Process
}

// contentTargets lists the content ev asks to be scanned, and how many
// candidates were dropped as excluded.
func (p *Pipeline) contentTargets(ev *events.Event) ([]scanner.Target, int) {
	var files []*events.File
	absent := false
	switch payload := ev.Payload.(type) {
	case events.ExecPayload:
		files = append(files, payload.Target.Executable)
		if payload.Script != nil {
			files = append(files, payload.Script)
		}
	case events.WritePayload:
		files = append(files, payload.File)
	case events.CreatePayload:
		files = append(files, payload.Destination)
		// a new path has no content yet; only metadata conditions apply
		absent = ev.IsAuth() && !payload.Existing
	case events.ClosePayload:
		if payload.Modified {
			files = append(files, payload.File)
		}
	}

	meta := scanner.Metadata{EventType: ev.Type()}
	if proc := subject(ev); proc != nil {
		meta.ProcessPath = proc.ExecutablePath()
		if proc.Signing != nil {
			meta.SigningID = proc.Signing.SigningID
			meta.TeamID = proc.Signing.TeamID
			meta.PlatformBinary = proc.Signing.PlatformBinary
		}
	}

	var targets []scanner.Target
	excluded := 0
	for _, f := range files {
		path := f.GetPath()
		if path == "" {
			continue
		}
		if p.engine.IsExcluded(path) {
			excluded++
			continue
		}
		if absent {
			m := meta
			m.Path = path
			targets = append(targets, scanner.BufferTarget([]byte{}, m))
			continue
		}
		targets = append(targets, scanner.FileTarget(f, meta))
	}
	return targets, excluded
}

// enrich fills in the executable of an exec target that arrived without a
// path, using the process-info collaborator. ev itself is not modified.
func (p *Pipeline) enrich(ev *events.Event) *events.Event {
	if p.procInfo == nil {
		return ev
	}
	exec, ok := ev.AsExec()
	if !ok || exec.Target == nil || exec.Target.ExecutablePath() != "" {
		return ev
	}
	found, err := p.procInfo.Lookup(exec.Target.AuditToken)
	if err != nil {
		logger.L().Debug("Pipeline - cannot resolve exec target",
			helpers.String("process", exec.Target.Key().String()),
			helpers.Error(err))
		return ev
	}
	if found.ExecutablePath() == "" {
		return ev
	}

	target := exec.Target.Clone()
	target.Executable = found.Executable.Clone()
	if target.Signing == nil && found.Signing != nil {
		signing := *found.Signing
		target.Signing = &signing
	}
	exec.Target = target
	enriched := *ev
	enriched.Payload = exec
	return &enriched
}
