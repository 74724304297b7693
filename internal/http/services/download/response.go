// Copyright 2018-2023 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/token"
)

// Error templates surfaced in the response envelope.
const (
	tplFileNotFound      = "[File not found] %s."
	tplInvalidFileAmount = "[Invalid file amount] must greater than 0"
	tplJobNotFound       = "[Invalid Job ID] Not Found"
	tplForgedToken       = "[Invalid Token] System detected forged token, a report has been submitted."
	tplTokenExpired      = "[Invalid Token] Already expired."
	tplInvalidToken      = "[Invalid Token] %s"
	tplInternal          = "[Internal] %s"
)

// response is the common envelope of every non-streaming endpoint. The code
// field mirrors the HTTP status.
type response struct {
	Code       int         `json:"code"`
	ErrorMsg   string      `json:"error_msg"`
	Page       int         `json:"page"`
	Total      int         `json:"total"`
	NumOfPages int         `json:"num_of_pages"`
	Result     interface{} `json:"result"`
}

func newResponse() response {
	return response{
		Code:       http.StatusOK,
		Total:      1,
		NumOfPages: 1,
	}
}

func writeResponse(w http.ResponseWriter, r response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Code)
	_ = json.NewEncoder(w).Encode(r)
}

func writeResult(w http.ResponseWriter, result interface{}) {
	r := newResponse()
	r.Result = result
	writeResponse(w, r)
}

func writeError(ctx context.Context, w http.ResponseWriter, code int, errorMsg string) {
	appctx.GetLogger(ctx).Error().Int("code", code).Msg(errorMsg)
	r := newResponse()
	r.Code = code
	r.ErrorMsg = errorMsg
	r.Result = []interface{}{}
	writeResponse(w, r)
}

// classifyError maps orchestrator and client errors onto the envelope.
func classifyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch err.(type) {
	case errtypes.IsBadRequest:
		writeError(ctx, w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "error: bad request: "))
	case errtypes.IsNotFound:
		writeError(ctx, w, http.StatusNotFound, fmt.Sprintf(tplFileNotFound, strings.TrimPrefix(err.Error(), "error: not found: ")))
	case token.IsExpired:
		writeError(ctx, w, http.StatusUnauthorized, tplTokenExpired)
	case token.IsForged:
		writeError(ctx, w, http.StatusUnauthorized, tplForgedToken)
	case token.IsInvalid:
		writeError(ctx, w, http.StatusUnauthorized, fmt.Sprintf(tplInvalidToken, err.Error()))
	default:
		writeError(ctx, w, http.StatusInternalServerError, fmt.Sprintf(tplInternal, err.Error()))
	}
}
