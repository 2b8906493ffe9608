package weed_server

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/storage"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var startTime = time.Now()

func writeJson(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) (err error) {
	var bytes []byte
	if r.FormValue("pretty") != "" {
		bytes, err = json.MarshalIndent(obj, "", "  ")
	} else {
		bytes, err = json.Marshal(obj)
	}
	if err != nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, err = w.Write(bytes)
	return
}

// wrapper for writeJson - just logs errors
func writeJsonQuiet(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) {
	if err := writeJson(w, r, httpStatus, obj); err != nil {
		glog.V(0).Infof("error writing JSON %v: %v", obj, err)
	}
}

func writeJsonError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	m := make(map[string]interface{})
	m["error"] = err.Error()
	writeJsonQuiet(w, r, httpStatus, m)
}

// errorStatus maps the error taxonomy of the heal and storage layers onto
// http status codes.
func errorStatus(err error) int {
	var insufficient *erasure_coding.InsufficientShardsError
	switch {
	case errors.Is(err, heal.ErrTaskNotFound),
		errors.Is(err, storage.ErrObjectNotFound),
		errors.Is(err, storage.ErrBucketNotFound):
		return http.StatusNotFound
	case errors.Is(err, heal.ErrInvalidArgument),
		errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.As(err, &insufficient), heal.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func debug(params ...interface{}) {
	glog.V(4).Infoln(params...)
}
