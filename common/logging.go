package common

import "github.com/golang/glog"

// Verbosity levels for glog.V guards. SHORT is emitted by default,
// DEBUG and VERBOSE need -v raised.
const (
	SHORT   glog.Level = 4
	DEBUG   glog.Level = 5
	VERBOSE glog.Level = 6
)
