// Package diagnostics samples process and host resources for the health
// endpoint of a long-running orchestrator.
//
//   - ResourceMonitor periodically records goroutines, heap, open file
//     descriptors and supervised run counts, and logs threshold warnings.
//
//   - HostCollector reports host CPU, memory, load average and the disk
//     that holds the run store.
package diagnostics
