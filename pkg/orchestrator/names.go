package orchestrator

import "strings"

// StudentPrefix marks every object the control plane owns.
const StudentPrefix = "student-"

// WorkloadName returns the container/pod name for a user.
func WorkloadName(username string) string {
	return StudentPrefix + username
}

// UsernameFromWorkload recovers the username from a workload name, or ""
// when the name is not student-owned.
func UsernameFromWorkload(name string) string {
	if !strings.HasPrefix(name, StudentPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, StudentPrefix)
}

// VolumeName returns the home volume name for a user on a storage class.
// Same-class migrations rebind the same volume; a cross-class migration
// stages into a differently named volume so the source survives until
// the copy completes.
func VolumeName(username, storageClass string) string {
	return StudentPrefix + username + "-home-" + storageClass
}

// SecretName returns the credential secret name for a user.
func SecretName(username string) string {
	return StudentPrefix + username + "-credentials"
}

// ServiceName returns the endpoint service name for a user.
func ServiceName(username string) string {
	return StudentPrefix + username
}

// CopyJobName returns the data-copy job name for a user.
func CopyJobName(username string) string {
	return StudentPrefix + username + "-datacopy"
}
