package sandbox

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tkenaz/titan/internal/apperrors"
)

// ParseCPU converts a Kubernetes-style CPU quantity ("100m", "2",
// "1.5") into Docker's NanoCPUs unit (1 core = 1e9).
func ParseCPU(cpu string) (int64, error) {
	if cpu == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(cpu)
	if err != nil {
		return 0, apperrors.Validation(fmt.Sprintf("invalid cpu quantity %q: %v", cpu, err))
	}
	millis := q.MilliValue()
	return millis * 1_000_000, nil
}

// ParseMemory converts a Kubernetes-style memory quantity ("512Mi",
// "2Gi", "128Ki") into a byte count suitable for Docker's Memory limit.
func ParseMemory(memory string) (int64, error) {
	if memory == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(memory)
	if err != nil {
		return 0, apperrors.Validation(fmt.Sprintf("invalid memory quantity %q: %v", memory, err))
	}
	return q.Value(), nil
}
