package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/engine"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/topic"
	"golang.org/x/mod/semver"
)

// DefaultAPIVersion is the plugin API version spoken when none is configured.
const DefaultAPIVersion = "5.10.0"

type validation struct {
	apiVersion *string
	level      models.SecurityLevel
}

// Compatible reports whether a build's plugin API version can talk to a
// host speaking supported: both must be valid semver with the same major.
func Compatible(reported, supported string) bool {
	r, s := canonical(reported), canonical(supported)
	return semver.IsValid(r) && semver.IsValid(s) && semver.Major(r) == semver.Major(s)
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// validate launches the build on the validation port and checks what it
// reports. A build asking for a higher security level than it was launched
// at is relaunched at that level; the level recorded is the one it was
// last launched and validated at. Skipped mode records no plugin version
// at the lowest tier; Optional mode downgrades failures to warnings.
func (p *Pipeline) validate(ctx context.Context, log zerolog.Logger, inst models.Instance, settings store.Settings, dir, project string) (validation, error) {
	dm := settings.DreamMaker
	if dm.ApiValidationMode == models.ValidationSkipped {
		log.Info().Msg("api validation skipped")
		return validation{level: models.SecurityUltrasafe}, nil
	}

	level := dm.ApiValidationSecurityLevel
	hs, err := p.handshakeAt(ctx, inst, settings, dir, project, level)
	for err == nil && hs.SecurityLevel != nil && *hs.SecurityLevel > level {
		log.Info().Stringer("launched", level).Stringer("requested", *hs.SecurityLevel).
			Msg("build requested a higher security level; relaunching validation")
		level = *hs.SecurityLevel
		hs, err = p.handshakeAt(ctx, inst, settings, dir, project, level)
	}
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return validation{}, ctx.Err()
	}
	v := validation{level: models.SecurityUltrasafe}
	if err == nil {
		v.level = level
		if hs.APIVersion != "" {
			version := strings.TrimPrefix(canonical(hs.APIVersion), "v")
			v.apiVersion = &version
		}
		err = p.check(hs, v.level, settings.DreamDaemon.SecurityLevel)
	}
	if err == nil {
		log.Info().Str("api_version", *v.apiVersion).Stringer("security", v.level).Msg("api validated")
		return v, nil
	}

	if dm.ApiValidationMode == models.ValidationOptional {
		log.Warn().Err(err).Msg("api validation failed; continuing because validation is optional")
		if v.apiVersion != nil && !Compatible(*v.apiVersion, p.apiVersion()) {
			v.apiVersion = nil
		}
		return v, nil
	}
	return validation{}, jobs.Wrap(models.ErrorCodeApiValidationFailed, fmt.Errorf("deploy: validate: %w", err))
}

func (p *Pipeline) apiVersion() string {
	if p.APIVersion != "" {
		return p.APIVersion
	}
	return DefaultAPIVersion
}

func (p *Pipeline) check(hs topic.Handshake, exercised, launch models.SecurityLevel) error {
	if hs.APIVersion == "" {
		return errors.New("build did not report a plugin api version")
	}
	if !Compatible(hs.APIVersion, p.apiVersion()) {
		return fmt.Errorf("plugin api version %s is incompatible with %s", hs.APIVersion, p.apiVersion())
	}
	if exercised < launch {
		return fmt.Errorf("build validated at %s, below the instance's launch level %s", exercised, launch)
	}
	return nil
}

// handshakeAt runs a throwaway server against the build at level and
// waits for its handshake.
func (p *Pipeline) handshakeAt(ctx context.Context, inst models.Instance, settings store.Settings, dir, project string, level models.SecurityLevel) (topic.Handshake, error) {
	dm, dd := settings.DreamMaker, settings.DreamDaemon
	accessID := uuid.NewString()
	spec, err := engine.ServerSpec(engine.ServerOptions{
		ServerPath:       p.Engine.ServerPath,
		DMB:              engine.DMBPath(dir, project),
		Dir:              dir,
		Port:             dm.ApiValidationPort,
		Security:         level,
		Visibility:       models.VisibilityInvisible,
		AccessIdentifier: accessID,
		ControlPort:      dm.ApiValidationPort,
		InstanceName:     inst.Name,
	})
	if err != nil {
		return topic.Handshake{}, err
	}
	h, err := p.Launcher.Launch(ctx, spec)
	if err != nil {
		return topic.Handshake{}, fmt.Errorf("launch validation server: %w", err)
	}
	defer func() {
		if err := h.Terminate(5 * time.Second); err != nil {
			p.Log.Warn().Err(err).Int("pid", h.PID()).Msg("validation server did not stop")
		}
	}()

	timeout := time.Duration(dd.TopicRequestTimeoutMs) * time.Millisecond
	client := topic.NewClient(dm.ApiValidationPort, timeout)
	hs, err := client.AwaitHandshake(ctx, accessID, p.PollInterval, h.Done())
	switch {
	case errors.Is(err, topic.ErrIdentifierMismatch):
		return topic.Handshake{}, fmt.Errorf("port %d is answered by another server: %w", dm.ApiValidationPort, err)
	case errors.Is(err, topic.ErrExited):
		return topic.Handshake{}, fmt.Errorf("%w: %v", err, h.Err())
	case err != nil:
		return topic.Handshake{}, err
	}
	return hs, nil
}
