package scheduler

import (
	"bufio"
	"os"
)

const maxTailLines = 1000

// tailFile returns the last n lines of path.
func tailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	n = min(n, maxTailLines)
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}
