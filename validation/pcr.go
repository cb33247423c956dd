package validation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudx-io/batchauction/enclaveapi"
)

// pcrDigestSize is the length of a SHA-384 measurement.
const pcrDigestSize = 48

// LoadPCRsFromFile reads the known PCR sets of a JSON file. Every set must carry
// PCR0 to PCR2 as hex SHA-384 digests.
func LoadPCRsFromFile(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config PCRConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}
	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in %s", path)
	}

	for i, set := range config.PCRSets {
		for idx, value := range set.values() {
			digest, err := hex.DecodeString(value)
			if err != nil || len(digest) != pcrDigestSize {
				return nil, fmt.Errorf("PCR set #%d: PCR%d is not a %d byte hex digest", i, idx, pcrDigestSize)
			}
		}
	}
	return config.PCRSets, nil
}

func (s PCRSet) values() [3]string {
	return [3]string{s.PCR0, s.PCR1, s.PCR2}
}

// PCRMatch is the result of comparing attested measurements against known sets.
type PCRMatch struct {
	// Set is the index of the matching set, or -1.
	Set int
	// Closest is the set differing in the fewest measurements when none matched, and
	// Mismatched lists the indices of the PCRs that differ from it.
	Closest    int
	Mismatched []int
}

// Matched reports whether a known set matched.
func (m PCRMatch) Matched() bool {
	return m.Set >= 0
}

// MatchPCRs compares PCR0 to PCR2 with every known set. Hex case is ignored.
func MatchPCRs(pcrs enclaveapi.PCRs, knownSets []PCRSet) PCRMatch {
	got := [3]string{pcrs.ImageFileHash, pcrs.KernelHash, pcrs.ApplicationHash}
	match := PCRMatch{Set: -1, Closest: -1}
	for i, set := range knownSets {
		var diff []int
		for idx, want := range set.values() {
			if !strings.EqualFold(got[idx], want) {
				diff = append(diff, idx)
			}
		}
		if len(diff) == 0 {
			return PCRMatch{Set: i, Closest: i}
		}
		if match.Closest < 0 || len(diff) < len(match.Mismatched) {
			match.Closest = i
			match.Mismatched = diff
		}
	}
	return match
}

// checkPCRs records the PCR verdict of an attestation document on result. Without
// known sets the measurements are accepted unchecked.
func checkPCRs(result *BaseValidationResult, pcrs enclaveapi.PCRs, knownSets []PCRSet) {
	if len(knownSets) == 0 {
		result.PCRsValid = true
		result.ValidationDetails = append(result.ValidationDetails, "PCR measurements not checked: no known PCR sets configured")
		return
	}

	match := MatchPCRs(pcrs, knownSets)
	if match.Matched() {
		result.PCRsValid = true
		result.ValidationDetails = append(result.ValidationDetails, "PCR measurements valid")
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Matched PCR set: #%d (commit: %s)",
			match.Set, knownSets[match.Set].CommitHash))
		return
	}

	got := [3]string{pcrs.ImageFileHash, pcrs.KernelHash, pcrs.ApplicationHash}
	closest := knownSets[match.Closest]
	for _, idx := range match.Mismatched {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR%d: %s (closest set #%d expects %s)",
			idx, got[idx], match.Closest, closest.values()[idx]))
	}
}
