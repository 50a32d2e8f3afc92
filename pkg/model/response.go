/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

// Verdict - outcome of a scan
type Verdict int

const (
	// VerdictClean - no threat found
	VerdictClean Verdict = iota
	// VerdictInfected - at least one threat found
	VerdictInfected
	// VerdictError - the engine could not scan the file
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	default:
		return "error"
	}
}

// ScanResponse - answer of the scanning engine
type ScanResponse struct {
	Verdict    Verdict
	ThreatName string
	ThreatType string
	// ErrorMsg is set by the engine when Verdict is VerdictError
	ErrorMsg string
}
