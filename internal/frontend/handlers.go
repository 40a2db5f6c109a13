/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package frontend

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	klogv2 "k8s.io/klog/v2"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

// Seconds a client should wait before retrying a transient failure.
const retryAfter = "1"

type reservationResponse struct {
	ResourceId    string    `json:"resource_id"`
	OwnerId       string    `json:"owner_id"`
	ReservationId int64     `json:"reservation_id"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`
	LockExpired   bool      `json:"lock_expired,omitempty"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	OwnerId string `json:"owner_id,omitempty"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

type bannerResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func recordResponse(rec reserver.Record) reservationResponse {
	return reservationResponse{
		ResourceId:    rec.ResourceId,
		OwnerId:       rec.OwnerId,
		ReservationId: rec.Id,
		CreatedAt:     rec.CreatedAt,
		Active:        rec.Active,
	}
}

func (fe *frontend) banner(w http.ResponseWriter, _ *http.Request) {
	writeJson(w, http.StatusOK, bannerResponse{Message: "dreserve", Version: fe.config.Version, Status: "running"})
}

func (fe *frontend) health(w http.ResponseWriter, req *http.Request) {
	h := fe.reserver.Health(req.Context())
	res := healthResponse{
		Status:    "healthy",
		Timestamp: fe.clock.Now().UTC(),
		Services: map[string]string{
			"ledger": serviceStatus(h.Ledger),
			"locks":  serviceStatus(h.Locks),
		},
	}
	status := http.StatusOK
	if !h.Healthy() {
		res.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJson(w, status, res)
}

func serviceStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func (fe *frontend) reserve(w http.ResponseWriter, req *http.Request) {
	res, err := fe.reserver.Reserve(req.Context(), req.PathValue("resourceId"), req.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	body := recordResponse(res.Record)
	body.LockExpired = res.LockExpired
	writeJson(w, http.StatusOK, body)
}

func (fe *frontend) release(w http.ResponseWriter, req *http.Request) {
	released, err := fe.reserver.Release(req.Context(), req.PathValue("resourceId"), req.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, releaseResponse{Released: released})
}

func (fe *frontend) lookup(w http.ResponseWriter, req *http.Request) {
	rec, err := fe.reserver.Lookup(req.Context(), req.PathValue("resourceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJson(w, http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	writeJson(w, http.StatusOK, recordResponse(*rec))
}

func writeError(w http.ResponseWriter, err error) {
	var conflict *error2.ConflictError
	var forbidden *error2.ForbiddenError

	kind := error2.KindOf(err)
	res := errorResponse{Error: kind.String(), Message: err.Error()}
	status := http.StatusInternalServerError

	switch kind {
	case error2.KindConflict:
		status = http.StatusConflict
		if errors.As(err, &conflict) {
			res.OwnerId = conflict.Owner
		}
	case error2.KindForbidden:
		status = http.StatusForbidden
		if errors.As(err, &forbidden) {
			res.OwnerId = forbidden.Holder
		}
	case error2.KindBusy, error2.KindUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfter)
	case error2.KindInvalid:
		status = http.StatusBadRequest
	default:
		klogv2.Errorf("unexpected error: %v", err)
		res.Error = "internal"
		res.Message = ""
	}
	writeJson(w, status, res)
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klogv2.V(4).Infof("failed to write response with err:%v", err)
	}
}
