package fleet

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// EnqueueResult confirms that the authority queued a script. The script's
// status changes only when the authority reports it.
type EnqueueResult struct {
	OpID        string    `json:"opId"`
	MAC         string    `json:"macAddress"`
	Script      string    `json:"scriptName"`
	Message     string    `json:"message,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// operation runs fn as one operator action. A failure is wrapped in an
// OpError, logged and published as operation_failed. Nothing is retried.
func (f *Fleet) operation(op, mac, script string, fn func(id string, log zerolog.Logger) error) error {
	id := uuid.NewString()
	ctx := f.log.With().Str("op", op).Str("op_id", id)
	if mac != "" {
		ctx = ctx.Str("mac", mac)
	}
	if script != "" {
		ctx = ctx.Str("script", script)
	}
	log := ctx.Logger()

	err := fn(id, log)
	if err == nil {
		log.Debug().Msg("operation done")
		return nil
	}

	oe := &OpError{OpID: id, Op: op, MAC: mac, Script: script, Err: err}
	kind := Kind(err)
	log.Error().Err(err).Str("kind", kind).Msg("operation failed")
	if perr := events.Publish(f.bus, events.OperationFailed, protocol.OperationFailedPayload{
		OpID:       id,
		Op:         op,
		MACAddress: mac,
		ScriptName: script,
		Kind:       kind,
		Error:      err.Error(),
	}); perr != nil {
		log.Error().Err(perr).Msg("failed to publish operation failure")
	}
	return oe
}

func requireTarget(mac, script string) error {
	if mac == "" {
		return &ValidationError{Field: "device", Reason: "no target device selected"}
	}
	if script == "" {
		return &ValidationError{Field: "scriptName", Reason: "required"}
	}
	return nil
}

// Upload stores content as script name on the device, then reloads the
// device's script list. Re-uploading an existing name replaces its metadata
// and keeps its queue position.
func (f *Fleet) Upload(ctx context.Context, mac, name string, content io.Reader) error {
	return f.operation("upload", mac, name, func(_ string, log zerolog.Logger) error {
		if err := requireTarget(mac, name); err != nil {
			return err
		}
		if content == nil {
			return &ValidationError{Field: "file", Reason: "no file selected"}
		}

		if err := f.client.UploadScript(ctx, mac, name, content); err != nil {
			return err
		}

		uploadedAt := f.clock.Now().UTC()
		err := f.submit(ctx, func() error {
			d, ok := f.devices[mac]
			if !ok {
				log.Warn().Msg("device left the collection during upload")
				return nil
			}
			meta := protocol.ScriptMeta{Name: name, Status: protocol.ScriptIdle, UploadedAt: uploadedAt}
			if prev, ok := d.Scripts[name]; ok && prev.QueuePosition > 0 {
				meta.Status = prev.Status
				meta.QueuePosition = prev.QueuePosition
			}
			d.Scripts = cloneScripts(d.Scripts)
			d.Scripts[name] = meta
			f.devices[mac] = d
			f.commit("upload")
			return nil
		})
		if err != nil {
			return err
		}

		if _, err := f.refreshScripts(ctx, mac); err != nil {
			return fmt.Errorf("uploaded, but refreshing scripts failed: %w", err)
		}
		return nil
	})
}

// ListScripts replaces the device's script map with the authority's list.
func (f *Fleet) ListScripts(ctx context.Context, mac string) ([]protocol.ScriptMeta, error) {
	var scripts []protocol.ScriptMeta
	err := f.operation("list_scripts", mac, "", func(string, zerolog.Logger) error {
		if mac == "" {
			return &ValidationError{Field: "device", Reason: "no target device selected"}
		}
		var err error
		scripts, err = f.refreshScripts(ctx, mac)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scripts, nil
}

// RunScript asks the authority to queue the script for execution.
func (f *Fleet) RunScript(ctx context.Context, mac, name string) (*EnqueueResult, error) {
	var res *EnqueueResult
	err := f.operation("run", mac, name, func(id string, log zerolog.Logger) error {
		if err := requireTarget(mac, name); err != nil {
			return err
		}
		ack, err := f.client.EnqueueScript(ctx, mac, name)
		if err != nil {
			return err
		}
		res = &EnqueueResult{
			OpID:        id,
			MAC:         mac,
			Script:      name,
			Message:     ack.Message,
			RequestedAt: f.clock.Now().UTC(),
		}
		log.Info().Msg("script queued")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Dequeue removes the script from the device's queue and reloads the list.
func (f *Fleet) Dequeue(ctx context.Context, mac, name string) error {
	return f.operation("dequeue", mac, name, func(_ string, log zerolog.Logger) error {
		if err := requireTarget(mac, name); err != nil {
			return err
		}
		if _, err := f.client.DequeueScript(ctx, mac, name); err != nil {
			return err
		}
		log.Info().Msg("script dequeued")
		if _, err := f.refreshScripts(ctx, mac); err != nil {
			return fmt.Errorf("dequeued, but refreshing scripts failed: %w", err)
		}
		return nil
	})
}

// Delete removes the script from the device. If the device has left the
// local collection meanwhile, the local step is skipped and logged.
func (f *Fleet) Delete(ctx context.Context, mac, name string) error {
	return f.operation("delete", mac, name, func(_ string, log zerolog.Logger) error {
		if err := requireTarget(mac, name); err != nil {
			return err
		}
		if err := f.client.DeleteScript(ctx, mac, name); err != nil {
			return err
		}

		present := false
		err := f.submit(ctx, func() error {
			d, ok := f.devices[mac]
			if !ok {
				return nil
			}
			present = true
			if _, ok := d.Scripts[name]; !ok {
				return nil
			}
			d.Scripts = cloneScripts(d.Scripts)
			delete(d.Scripts, name)
			f.devices[mac] = d
			f.commit("delete_script")
			return nil
		})
		if err != nil {
			return err
		}
		if !present {
			log.Warn().Msg("script deleted, but device is no longer present locally")
			return nil
		}

		if _, err := f.refreshScripts(ctx, mac); err != nil {
			return fmt.Errorf("deleted, but refreshing scripts failed: %w", err)
		}
		return nil
	})
}

// refreshScripts pulls the device's script list and replaces the local map.
func (f *Fleet) refreshScripts(ctx context.Context, mac string) ([]protocol.ScriptMeta, error) {
	scripts, err := f.client.ListScripts(ctx, mac)
	if err != nil {
		return nil, err
	}

	err = f.submit(ctx, func() error {
		d, ok := f.devices[mac]
		if !ok {
			return ErrUnknownDevice
		}
		d.Scripts = scriptMap(scripts)
		f.devices[mac] = d
		f.commit("scripts")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scripts, nil
}

func cloneScripts(m map[string]protocol.ScriptMeta) map[string]protocol.ScriptMeta {
	if m == nil {
		return make(map[string]protocol.ScriptMeta)
	}
	return maps.Clone(m)
}
