package util

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers static host information for the startup banner and API.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// Usage is a point-in-time resource snapshot.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// GetUsage samples CPU and memory. Sampling errors leave the field zero.
func GetUsage() Usage {
	u := Usage{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		u.MemoryPercent = memInfo.UsedPercent
		u.MemoryUsedMB = memInfo.Used / (1024 * 1024)
	}
	return u
}

// DetectOutboundIP returns the local address the OS would use to reach
// target. No packet is sent.
func DetectOutboundIP(target string) (string, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "", fmt.Errorf("failed to detect outbound IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// GetLocalIP returns the first non-loopback IPv4 address, or loopback.
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

// IsPrivateIP reports whether ip is loopback, link-local or in a private range.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
}

var publicIPServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// DetectPublicIP asks a few public echo services for this host's address.
func DetectPublicIP(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, url := range publicIPServices {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		ip := strings.TrimSpace(string(body))
		if net.ParseIP(ip) != nil {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no public IP service answered")
}

// AdvertisedIP picks the address a cluster reports to the master. A
// configured value wins. Otherwise the outbound address toward the master is
// used, falling back to the public address when asked and the outbound one
// is private while the master is not.
func AdvertisedIP(ctx context.Context, configured, masterAddr string, masterPort int, detectPublic bool) string {
	if configured != "" {
		return configured
	}

	ip, err := DetectOutboundIP(net.JoinHostPort(masterAddr, fmt.Sprint(masterPort)))
	if err != nil {
		ip = GetLocalIP()
	}

	if detectPublic && IsPrivateIP(ip) && !IsPrivateIP(masterAddr) {
		if public, err := DetectPublicIP(ctx); err == nil {
			return public
		}
	}
	return ip
}
