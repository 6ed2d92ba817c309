// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package veilrelay

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Literal error strings are part of the external contract (§6) and must not
// drift from these values.
const (
	errUnknownRequest              = "Unknown request"
	errMissingRequestParameter     = "Missing request parameter"
	errInvalidRequestParameter     = "Invalid request parameter"
	errMissingURLParameter         = "Missing URL parameter"
	errInvalidURLParameter         = "Invalid URL parameter"
	errURLNotOwned                 = "URL doesn't exist or it isn't owned by your session ID"
	errInvalidIndexParameter       = "Invalid index parameter"
	errInvalidInteractionParameter = "Invalid interaction parameter"
	errInteractionGone             = "Interaction doesn't exist or it was already processed"
	errInvalidDataParameter        = "Invalid data parameter"
	errMissingDataParameter        = "Missing data parameter"
	errUnknownMessageType          = "Unknown message type"
	errNotJSON                     = "Message is not JSON"
)

const (
	requestCreateURL = "Create URL"
	requestChangeURL = "Change URL"
	requestDeleteURL = "Delete URL"
	requestOwnURL    = "Own URL"
)

// bareError builds `{"Error": "..."}`, used when no identifier (Index or
// Interaction) can be trusted enough to echo back.
func bareError(message string) []byte {
	out, _ := sjson.SetBytes([]byte("{}"), "Error", message)
	return out
}

// indexError builds `{"Index": N, "Error": "..."}`.
func indexError(index int64, message string) []byte {
	out, _ := sjson.SetBytes([]byte("{}"), "Index", index)
	out, _ = sjson.SetBytes(out, "Error", message)
	return out
}

// indexResponse builds `{"Index": N, "Response": value}`. value is either a
// string (the URL verbs) or a bool (Own URL).
func indexResponse(index int64, value interface{}) []byte {
	out, _ := sjson.SetBytes([]byte("{}"), "Index", index)
	out, _ = sjson.SetBytes(out, "Response", value)
	return out
}

// interactionError builds `{"Interaction": K, "Error": "..."}`.
func interactionError(id uint64, message string) []byte {
	out, _ := sjson.SetBytes([]byte("{}"), "Interaction", id)
	out, _ = sjson.SetBytes(out, "Error", message)
	return out
}

// interactionStatus builds `{"Interaction": K, "Status": "Succeeded"|"Failed"}`.
func interactionStatus(id uint64, status string) []byte {
	out, _ := sjson.SetBytes([]byte("{}"), "Interaction", id)
	out, _ = sjson.SetBytes(out, "Status", status)
	return out
}

// runControlVerb executes one of the four URL-registry verbs (§4.5) and
// returns either a success value (string URL, or bool for Own URL) or a
// structured error string (one of the literals above).
func runControlVerb(registry *Registry, identity, verb string, urlField gjson.Result) (value interface{}, errStr string) {
	switch verb {
	case requestCreateURL:
		url, err := registry.Create(identity)
		if err != nil {
			return nil, errInvalidRequestParameter
		}
		return url, ""
	case requestOwnURL:
		if !urlField.Exists() {
			return nil, errMissingURLParameter
		}
		if urlField.Type != gjson.String {
			return nil, errInvalidURLParameter
		}
		return registry.Own(identity, urlField.Str), ""
	case requestChangeURL:
		if !urlField.Exists() {
			return nil, errMissingURLParameter
		}
		if urlField.Type != gjson.String {
			return nil, errInvalidURLParameter
		}
		newURL, err := registry.Change(identity, urlField.Str)
		if err != nil {
			return nil, errURLNotOwned
		}
		return newURL, ""
	case requestDeleteURL:
		if !urlField.Exists() {
			return nil, errMissingURLParameter
		}
		if urlField.Type != gjson.String {
			return nil, errInvalidURLParameter
		}
		if err := registry.Delete(identity, urlField.Str); err != nil {
			return nil, errURLNotOwned
		}
		return true, ""
	default:
		return nil, errUnknownRequest
	}
}
