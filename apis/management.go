// Copyright 2022 The hubmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
)

// APIRestHubManagementHandler REST handler for observing the connection hub
type APIRestHubManagementHandler struct {
	goutils.RestAPIHandler
	hub hub.Hub
	// readiness probe target
	store           storage.Backend
	defaultResource string
}

// GetAPIRestHubManagementHandler define APIRestHubManagementHandler
func GetAPIRestHubManagementHandler(
	sessionHub hub.Hub,
	store storage.Backend,
	defaultResource string,
	httpConfig *common.HTTPConfig,
) (APIRestHubManagementHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "hub-management",
	}
	return APIRestHubManagementHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, hub: sessionHub, store: store, defaultResource: defaultResource,
	}, nil
}

// APIRestRespHubStatus response for querying hub status
type APIRestRespHubStatus struct {
	goutils.RestAPIBaseResponse
	// Status the current hub state snapshot
	Status hub.StatusReport `json:"status"`
}

// GetStatus godoc
// @Summary Query the connection hub status
// @Description Query the current sessions and rooms of the connection hub
// @tags Management
// @Produce json
// @Param Hubmq-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHubStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Hubmq-Request-ID "Request ID to match against logs"
// @Router /v1/status [get]
func (h APIRestHubManagementHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	report, err := h.hub.Status(r.Context())
	if err != nil {
		msg := "Failed to read hub status"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespHubStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Status: report,
	}
}

// GetStatusHandler Wrapper around GetStatus
func (h APIRestHubManagementHandler) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestHubManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHubManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the connection hub and its storage collaborator are ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHubManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ctxt, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if _, err := h.hub.Status(ctxt); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	// The storage collaborator must also be reachable
	if _, err := h.store.Read(
		ctxt, h.defaultResource, nil, storage.ReadOptions{Limit: 1},
	); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
