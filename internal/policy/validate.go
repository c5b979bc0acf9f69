package policy

import "github.com/shepherd-project/shepherdd/internal/shepherderr"

// Validate runs every rule in the policy validation contract against p
// and returns every violation found — callers should not assume the list
// stops at the first problem.
func Validate(p Policy) []shepherderr.ValidationError {
	var errs []shepherderr.ValidationError

	seen := make(map[string]bool, len(p.Entries))
	for _, e := range p.Entries {
		id := e.ID.String()
		if id == "" {
			errs = append(errs, shepherderr.ValidationError{
				EntryID: id, Field: "id", Kind: "empty_id",
				Message: "entry id must not be empty",
			})
			continue
		}
		if seen[id] {
			errs = append(errs, shepherderr.ValidationError{
				EntryID: id, Field: "id", Kind: "duplicate_id",
				Message: "entry id is not unique",
			})
			continue
		}
		seen[id] = true

		errs = append(errs, validateEntry(e)...)
	}

	return errs
}

func validateEntry(e Entry) []shepherderr.ValidationError {
	var errs []shepherderr.ValidationError
	id := e.ID.String()

	if e.Kind.Tag == KindProcess && len(e.Kind.Process.Argv) == 0 {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "kind.argv", Kind: "empty_argv",
			Message: "process entries require a non-empty argv",
		})
	}
	if e.Kind.Tag == KindSnap && e.Kind.Snap.SnapName == "" {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "kind.snap_name", Kind: "empty_snap_name",
			Message: "snap entries require a snap name",
		})
	}
	if e.Kind.Tag == KindVM && e.Kind.VM.Driver == "" {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "kind.driver", Kind: "empty_driver",
			Message: "vm entries require a driver",
		})
	}
	if e.Kind.Tag == KindMedia && e.Kind.Media.LibraryID == "" {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "kind.library_id", Kind: "empty_library_id",
			Message: "media entries require a library id",
		})
	}
	if e.Kind.Tag == KindCustom && e.Kind.Custom.TypeName == "" {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "kind.type_name", Kind: "empty_type_name",
			Message: "custom entries require a type name",
		})
	}

	if !e.Availability.Always {
		for i, w := range e.Availability.Windows {
			if w.Days == 0 {
				errs = append(errs, shepherderr.ValidationError{
					EntryID: id, Field: "availability.windows", Kind: "empty_day_mask",
					Message: "window has an empty day mask",
				})
			}
			if !w.Start.Before(w.End) {
				errs = append(errs, shepherderr.ValidationError{
					EntryID: id, Field: "availability.windows", Kind: "invalid_window",
					Message: "window start must be before end (windows never cross midnight)",
				})
			}
			_ = i
		}
	}

	if e.Limits.MaxRun != nil && *e.Limits.MaxRun < 0 {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "limits.max_run", Kind: "negative_duration",
			Message: "max_run must be non-negative",
		})
	}
	if e.Limits.DailyQuota != nil && *e.Limits.DailyQuota < 0 {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "limits.daily_quota", Kind: "negative_duration",
			Message: "daily_quota must be non-negative",
		})
	}
	if e.Limits.Cooldown != nil && *e.Limits.Cooldown < 0 {
		errs = append(errs, shepherderr.ValidationError{
			EntryID: id, Field: "limits.cooldown", Kind: "negative_duration",
			Message: "cooldown must be non-negative",
		})
	}

	for _, w := range e.Warnings {
		if w.SecondsBefore <= 0 {
			errs = append(errs, shepherderr.ValidationError{
				EntryID: id, Field: "warnings.seconds_before", Kind: "non_positive_threshold",
				Message: "warning seconds_before must be greater than zero",
			})
			continue
		}
		if e.Limits.MaxRun != nil {
			maxRunSecs := int64(e.Limits.MaxRun.Seconds())
			if w.SecondsBefore >= maxRunSecs {
				errs = append(errs, shepherderr.ValidationError{
					EntryID: id, Field: "warnings.seconds_before", Kind: "exceeds_max_run",
					Message: "warning seconds_before must be less than max_run",
				})
			}
		}
	}

	return errs
}
