package app

import (
	"context"
	"fmt"

	"github.com/nhle/mailhub/internal/agent"
	"github.com/nhle/mailhub/internal/schedule"
	"github.com/nhle/mailhub/internal/store"
)

// Check is one diagnostic result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// DoctorReport collects the diagnostics of one run.
type DoctorReport struct {
	Checks []Check `json:"checks"`
}

// OK reports whether every check passed.
func (r *DoctorReport) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func (r *DoctorReport) add(name string, err error, detail string) {
	c := Check{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

// Doctor checks the store, bound accounts and their credentials, the rule
// files, the scheduler windows and the drafter.
func (a *App) Doctor(ctx context.Context) (*DoctorReport, error) {
	report := &DoctorReport{}

	version, err := a.Store.SchemaVersion(ctx)
	report.add("store", err, fmt.Sprintf("schema version %d at %s", version, a.Config.DatabasePath))

	accounts, err := a.Store.ListAccounts(ctx, store.AccountFilter{})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		report.Checks = append(report.Checks, Check{Name: "accounts", Detail: "no account is bound"})
	} else {
		report.add("accounts", nil, fmt.Sprintf("%d bound", len(accounts)))
	}
	for _, acct := range accounts {
		name := "credential " + acct.ID
		ok, err := HasCredential(a.Credentials, acct)
		switch {
		case err != nil:
			report.add(name, err, "")
		case !ok:
			report.Checks = append(report.Checks, Check{Name: name, Detail: "missing " + CredentialKey(acct)})
		default:
			report.add(name, nil, CredentialKey(acct))
		}
	}

	report.add("rules", nil, fmt.Sprintf("%d tag labels", len(a.Rules.Labels())))

	sched := a.Config.Scheduler
	report.add("scheduler digest", schedule.ValidateJob(sched.Timezone, sched.Digest), describeJob(sched.Digest.Enabled))
	report.add("scheduler billing", schedule.ValidateJob(sched.Timezone, sched.Billing), describeJob(sched.Billing.Enabled))
	report.add("scheduler summary", schedule.ValidateJob(sched.Timezone, sched.Summary), describeJob(sched.Summary.Enabled))

	backend := a.Config.Agent.Backend
	if backend == agent.BackendNone {
		backend = "rule-based"
	}
	report.add("agent", a.AgentErr, backend)

	return report, nil
}

func describeJob(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
