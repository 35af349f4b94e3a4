package rpihw

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const taskDirPath = "/proc/self/task"

// BindToLastCPU pins the process to the highest-numbered CPU it is currently
// allowed on. Duty-cycle updates race a hardware consumer, so keeping the
// control threads off the busiest cores reduces update jitter. Affinity
// masks are per thread on Linux, so the bind is applied to every task of
// the process; threads started later inherit the mask from their creator.
// Best effort; callers typically log and continue on error.
func BindToLastCPU() error {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return errors.Wrap(err, "reading cpu affinity")
	}
	last := -1
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if allowed.IsSet(cpu) {
			last = cpu
		}
	}
	if last < 0 {
		return errors.New("no allowed cpus in affinity mask")
	}

	var target unix.CPUSet
	target.Zero()
	target.Set(last)
	return bindTasks(taskDirPath, &target)
}

// bindTasks applies the mask to every task listed in taskDir. Tasks that
// exit between the directory walk and the syscall are skipped.
func bindTasks(taskDir string, set *unix.CPUSet) error {
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return errors.Wrapf(err, "listing %s", taskDir)
	}
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, set); err != nil && !errors.Is(err, unix.ESRCH) {
			return errors.Wrapf(err, "pinning task %d", tid)
		}
	}
	return nil
}
