package app

import (
	"context"
	"time"
)

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Doctor checks that the device is usable and that no key material is left
// behind by an unfinished PIN change. It needs no PIN.
func (c *Core) Doctor(ctx context.Context) (DoctorReport, error) {
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 6),
		CheckedAt: c.now().UTC(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		report.Checks = append(report.Checks, DoctorCheck{Name: name, Pass: pass, Reason: failReason(!pass, reason)})
		if !pass {
			report.Ready = false
		}
	}

	configured, err := c.vault.Configured(ctx)
	if err != nil {
		appendCheck("storage_reachable", false, err.Error())
		return report, nil
	}
	appendCheck("storage_reachable", true, "")
	appendCheck("pin_configured", configured, "run init to set the device PIN")
	if !configured {
		return report, nil
	}

	pending, err := c.vault.RotationPending(ctx)
	if err != nil {
		return DoctorReport{}, err
	}
	appendCheck("rotation_complete", !pending, "a PIN change is unfinished; run change-pin --resume")

	current, err := c.ids.Current(ctx)
	if err != nil {
		return DoctorReport{}, err
	}
	appendCheck("default_identity", current != nil, "no default identity")

	inv, err := c.rotation.ScanEncryptedState(ctx)
	if err != nil {
		return DoctorReport{}, err
	}
	retry, keys := 0, map[string]struct{}{}
	for _, cat := range inv.Categories {
		retry += cat.PendingRetry
		for id := range cat.ByKeyID {
			keys[id] = struct{}{}
		}
	}
	appendCheck("no_pending_retry", retry == 0, "some records failed to re-encrypt")
	appendCheck("single_master_key", len(keys) <= 1, "records are sealed under more than one master key")
	return report, nil
}

func failReason(failed bool, reason string) string {
	if !failed {
		return ""
	}
	return reason
}
