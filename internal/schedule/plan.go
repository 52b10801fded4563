package schedule

import (
	"strings"
	"time"

	"github.com/sells-group/outreach-engine/internal/model"
)

// Input is everything one planning pass needs.
type Input struct {
	RunID    string
	Policy   model.RunPolicy
	Template model.Template
	Now      time.Time
	// Leads are the candidates in discovery order, oldest first. Leads
	// that are not contactable are skipped.
	Leads []model.RunLead
	// Existing are the run's non-canceled messages. Their slots count
	// against the caps and their (lead, step) pairs are never planned again.
	Existing []model.Message
	// Limit caps how many leads this pass plans. Zero means no limit.
	Limit int
}

// Plan is the result of one planning pass.
type Plan struct {
	Messages []model.Message
	// Planned lists the lead ids that now hold a step-1 message, whether
	// it was planned in this pass or already existed.
	Planned []string
	// Remaining counts candidate leads left for a later pass.
	Remaining int
}

type stepKey struct {
	leadID string
	step   int
}

// Build plans every missing cadence step for the input leads. Step 1 gets
// the earliest admissible slot at or after Now; step k gets the earliest
// admissible slot at or after the lead's step-1 slot plus the step delay.
// Running Build again with the produced messages in Existing yields nothing.
func Build(in Input) (*Plan, error) {
	taken := make([]time.Time, 0, len(in.Existing))
	have := make(map[stepKey]time.Time, len(in.Existing))
	for _, m := range in.Existing {
		if m.Status == model.MessageStatusCanceled {
			continue
		}
		taken = append(taken, m.ScheduledAt)
		have[stepKey{m.LeadID, m.Step}] = m.ScheduledAt
	}

	slots, err := NewSlots(in.Policy, taken)
	if err != nil {
		return nil, err
	}
	loc, err := in.Policy.Location()
	if err != nil {
		return nil, err
	}
	cadence := in.Policy.Cadence

	plan := &Plan{}
	for i, lead := range in.Leads {
		if !lead.Status.Contactable() {
			continue
		}
		if in.Limit > 0 && len(plan.Planned) >= in.Limit {
			plan.Remaining = countContactable(in.Leads[i:])
			break
		}

		var anchor time.Time
		for _, cs := range cadence.Steps {
			key := stepKey{lead.ID, cs.Step}
			if at, ok := have[key]; ok {
				if cs.Step == 1 {
					anchor = at
				}
				continue
			}

			earliest := in.Now
			if cs.Step > 1 {
				if anchor.IsZero() {
					// Step 1 is missing and was not planned; later steps
					// have nothing to anchor on.
					break
				}
				if due := anchor.In(loc).AddDate(0, 0, cs.DelayDays); due.After(earliest) {
					earliest = due
				}
			}

			at, err := slots.Reserve(earliest)
			if err != nil {
				return nil, err
			}
			if cs.Step == 1 {
				anchor = at
			}
			have[key] = at

			copyText := in.Template.ForStep(cs.Step)
			plan.Messages = append(plan.Messages, model.Message{
				RunID:       in.RunID,
				LeadID:      lead.ID,
				Step:        cs.Step,
				Subject:     Render(copyText.Subject, lead),
				Body:        Render(copyText.Body, lead),
				Status:      model.MessageStatusScheduled,
				ScheduledAt: at,
			})
		}
		if !anchor.IsZero() {
			plan.Planned = append(plan.Planned, lead.ID)
		}
	}
	return plan, nil
}

func countContactable(leads []model.RunLead) int {
	n := 0
	for _, l := range leads {
		if l.Status.Contactable() {
			n++
		}
	}
	return n
}

// Render fills the {{name}}, {{first_name}}, {{company}}, {{title}} and
// {{email}} placeholders from lead.
func Render(text string, lead model.RunLead) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	first := lead.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return strings.NewReplacer(
		"{{name}}", lead.Name,
		"{{first_name}}", first,
		"{{company}}", lead.Company,
		"{{title}}", lead.Title,
		"{{email}}", lead.Email,
	).Replace(text)
}
