package post

// Aggregate derives the post-level status from the selected platform
// entries. It is re-evaluated in full on every entry mutation — never
// incrementally patched — so the stored value cannot drift.
//
// Rules, in priority order over selected entries only:
//   - failed if any entry failed
//   - published if every entry published
//   - processing if any entry is processing
//   - pending otherwise
func Aggregate(selections []PlatformSelection) Status {
	selected := SelectedEntries(selections)
	if len(selected) == 0 {
		return StatusPending
	}

	anyFailed := false
	anyProcessing := false
	allPublished := true
	for _, sel := range selected {
		switch sel.Status {
		case EntryFailed:
			anyFailed = true
			allPublished = false
		case EntryProcessing:
			anyProcessing = true
			allPublished = false
		case EntryPublished:
		default:
			allPublished = false
		}
	}

	switch {
	case anyFailed:
		return StatusFailed
	case allPublished:
		return StatusPublished
	case anyProcessing:
		return StatusProcessing
	default:
		return StatusPending
	}
}

// WorstOfAccounts folds per-account outcomes into one entry status for a
// platform. accountIDs is the selected account set; accounts with no
// recorded result yet count as unset.
//
// Rules: failed if any account failed; published only if every selected
// account published; processing if any account is processing; else unset.
func WorstOfAccounts(accountIDs []int64, results map[int64]AccountResult) EntryStatus {
	if len(accountIDs) == 0 {
		return EntryUnset
	}

	anyFailed := false
	anyProcessing := false
	allPublished := true
	for _, id := range accountIDs {
		res, ok := results[id]
		if !ok {
			allPublished = false
			continue
		}
		switch res.Status {
		case EntryFailed:
			anyFailed = true
			allPublished = false
		case EntryProcessing:
			anyProcessing = true
			allPublished = false
		case EntryPublished:
		default:
			allPublished = false
		}
	}

	switch {
	case anyFailed:
		return EntryFailed
	case allPublished:
		return EntryPublished
	case anyProcessing:
		return EntryProcessing
	default:
		return EntryUnset
	}
}

// FirstPublishedRef picks the external reference recorded on the entry:
// the first successful account wins and later successes do not overwrite
// it. Returns ok=false when no account has published yet.
func FirstPublishedRef(accountIDs []int64, results map[int64]AccountResult) (externalID, externalURL string, ok bool) {
	for _, id := range accountIDs {
		if res, found := results[id]; found && res.Status == EntryPublished && res.ExternalID != "" {
			return res.ExternalID, res.ExternalURL, true
		}
	}
	return "", "", false
}
