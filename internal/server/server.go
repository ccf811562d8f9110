package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/config"
	"github.com/audiolibrelab/pagecapture/internal/play"
	"github.com/audiolibrelab/pagecapture/internal/service"
)

// Server represents the web server for controlling PageCapture
type Server struct {
	service    service.Service
	configFile string
	port       string
	pages      *pageHub

	profileMu     sync.RWMutex
	activeProfile string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string                    `json:"status"`
	Message       string                    `json:"message,omitempty"`
	Session       *service.RecordingSession `json:"session,omitempty"`
	Config        *ResolvedConfigInfo       `json:"resolved_config"`
	ActiveProfile string                    `json:"active_profile"`
	PageClients   int                       `json:"page_clients"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile     string            `json:"active_profile"`
	OutputDir         string            `json:"output_dir"`
	Format            string            `json:"format"`
	Encoder           string            `json:"encoder"`
	SampleRate        int               `json:"sample_rate"`
	Channels          int               `json:"channels"`
	BufferLength      int               `json:"buffer_length"`
	MaxBuffersPerPage int               `json:"max_buffers_per_page"`
	StreamPages       bool              `json:"stream_pages"`
	Backend           string            `json:"backend"`
	Inheritance       map[string]string `json:"inheritance,omitempty"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Backends      []audio.BackendType `json:"backends"`
	Sources       []audio.SourceInfo  `json:"sources"`
	PipeWirePorts []string            `json:"pipewire_ports"`
	Error         string              `json:"error,omitempty"`
}

// FileInfo contains information about a recording
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
	StreamURL    string    `json:"stream_url"`
}

// FilesResponse represents the JSON response for files endpoint
type FilesResponse struct {
	Files               []FileInfo `json:"files"`
	TotalCount          int        `json:"total_count"`
	OutputDirectory     string     `json:"output_directory"`
	SupportedExtensions []string   `json:"supported_extensions"`
}

// RecordingInfo describes the latest recording
type RecordingInfo struct {
	Success   bool   `json:"success"`
	FileName  string `json:"file_name,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	StreamURL string `json:"stream_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New creates a web server around an existing service. The server
// subscribes to the service's pages for the websocket stream.
func New(configFile, port string, svc service.Service) *Server {
	s := &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		pages:         newPageHub(),
		activeProfile: svc.GetConfig().Name,
	}
	s.pages.unsubscribe = svc.Subscribe(s.pages.broadcast)
	return s
}

// Handler returns the routes of the web UI and JSON API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/start", s.handleStartRecording)
	mux.HandleFunc("/pause", s.handlePauseRecording)
	mux.HandleFunc("/resume", s.handleResumeRecording)
	mux.HandleFunc("/stop", s.handleStopRecording)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	mux.HandleFunc("/config/active", s.handleActiveProfile)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/api/files", s.handleFiles)
	// Audio player endpoints
	mux.HandleFunc("/api/latest-recording", s.handleLatestRecording)
	mux.HandleFunc("/api/recording/", s.handleRecordingStream)
	// Live pages
	mux.HandleFunc("/api/pages", s.pages.handlePages)
	return mux
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting PageCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.Handler())
}

// Close disconnects page clients and detaches from the service.
func (s *Server) Close() {
	s.pages.close()
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PageCapture</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <main class="container">
        <h1>PageCapture</h1>
        <p id="status">STANDBY</p>
        <form id="start">
            <input name="name" placeholder="Recording name">
            <button type="submit">Record</button>
        </form>
        <div role="group">
            <button onclick="post('/pause')">Pause</button>
            <button onclick="post('/resume')">Resume</button>
            <button onclick="post('/stop')">Stop</button>
        </div>
        <p><small id="pages">0 pages</small></p>
    </main>
    <script>
        const post = (path, body) => fetch(path, {method: 'POST', body}).then(refresh);
        const refresh = () => fetch('/status').then(r => r.json()).then(s => {
            document.getElementById('status').textContent = s.message ? s.status + ' - ' + s.message : s.status;
        });
        document.getElementById('start').onsubmit = e => { e.preventDefault(); post('/start', new FormData(e.target)); };
        let pages = 0;
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/pages');
        ws.onmessage = e => {
            if (typeof e.data === 'string') {
                pages++;
                document.getElementById('pages').textContent = pages + ' pages';
            }
        };
        setInterval(refresh, 1000);
        refresh();
    </script>
</body>
</html>`

// handleStartRecording starts a session (STANDBY -> RECORDING)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	slog.Debug("Start recording request", "name", name)

	if err := s.service.StartRecording(name); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording", "name", name)
		return
	}

	_, session := s.service.GetRecordingStatus()
	response := map[string]interface{}{
		"success": true,
		"message": "Recording started",
	}
	if session != nil {
		response["session"] = session
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handlePauseRecording pauses the session (RECORDING -> PAUSED)
func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "pause_recording", s.service.PauseRecording, "Recording paused")
}

// handleResumeRecording resumes the session (PAUSED -> RECORDING)
func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "resume_recording", s.service.ResumeRecording, "Recording resumed")
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, operation string, fn func() error, message string) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := fn(); err != nil {
		s.sendErrorResponse(w, http.StatusConflict, err.Error(), "operation", operation)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
	})
}

// handleStopRecording stops the session and waits for the last page
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	_, session := s.service.GetRecordingStatus()
	response := map[string]interface{}{
		"success": true,
		"message": "Recording stopped",
	}
	if session != nil {
		response["session"] = session
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status, session := s.service.GetRecordingStatus()

	response := StatusResponse{
		Status:        string(status),
		Message:       s.generateStatusMessage(status, session),
		Session:       session,
		Config:        s.getResolvedConfigInfo(),
		ActiveProfile: s.getActiveProfile(),
		PageClients:   s.pages.clientCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": s.getAvailableProfiles(),
	})
}

// handleSelectProfile switches the service to another profile and saves
// the choice as active_config
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, http.StatusConflict, err.Error(),
			"profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile)
		return
	}

	s.profileMu.Lock()
	s.activeProfile = profile
	s.profileMu.Unlock()

	slog.Info("Profile changed", "profile", profile)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profile": s.getActiveProfile(),
	})
}

// handleSources lists capture devices and PipeWire ports
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := SourcesResponse{
		Backends:      audio.GetAvailableBackends(),
		Sources:       []audio.SourceInfo{},
		PipeWirePorts: []string{},
	}
	var errs []string
	if sources, err := audio.ListSources(); err != nil {
		slog.Debug("Failed to list portaudio sources", "error", err)
		errs = append(errs, err.Error())
	} else {
		response.Sources = sources
	}
	if ports, err := audio.ListPipeWireSources(); err != nil {
		slog.Debug("Failed to list PipeWire ports", "error", err)
		errs = append(errs, err.Error())
	} else {
		response.PipeWirePorts = ports
	}
	response.Error = strings.Join(errs, "; ")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleFiles lists the recordings in the output directory, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	outputDir := s.service.GetConfig().Output.Directory
	if outputDir == "" {
		s.sendErrorResponse(w, http.StatusInternalServerError, "No output directory configured")
		return
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil && !os.IsNotExist(err) {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read output directory: %v", err))
		return
	}

	audioFiles := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !isRecordingFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}

		audioFiles = append(audioFiles, FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Extension:    strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), "."),
			StreamURL:    "/api/recording/" + entry.Name(),
		})
	}

	sort.Slice(audioFiles, func(i, j int) bool {
		return audioFiles[i].ModTime.After(audioFiles[j].ModTime)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FilesResponse{
		Files:               audioFiles,
		TotalCount:          len(audioFiles),
		OutputDirectory:     outputDir,
		SupportedExtensions: play.RecordingExtensions,
	})
}

// handleLatestRecording describes the most recent recording
func (s *Server) handleLatestRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	latestFile, err := play.LatestRecording(s.service.GetConfig().Output.Directory)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(RecordingInfo{
			Success: false,
			Error:   "No recordings found",
		})
		return
	}

	info, err := os.Stat(latestFile)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(RecordingInfo{
			Success: false,
			Error:   "Failed to get file info",
		})
		return
	}

	fileName := filepath.Base(latestFile)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RecordingInfo{
		Success:   true,
		FileName:  fileName,
		FileSize:  info.Size(),
		CreatedAt: info.ModTime().Format(time.RFC3339),
		StreamURL: "/api/recording/" + fileName,
	})
}

// handleRecordingStream serves a recording for download or playback
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/recording/")
	if name == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}
	if name != filepath.Base(name) || !isRecordingFile(name) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, name)
	if _, err := os.Stat(filePath); err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filePath)
}

// getResolvedConfigInfo builds configuration information for the UI
func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	opts := cfg.Recorder.WithDefaults()

	sampleRate := opts.EncoderSampleRate
	if opts.Encoder == config.EncoderWav {
		sampleRate = opts.WavSampleRate
	}

	info := &ResolvedConfigInfo{
		ActiveProfile:     cfg.Name,
		OutputDir:         cfg.Output.Directory,
		Format:            cfg.Output.Format,
		Encoder:           opts.Encoder,
		SampleRate:        sampleRate,
		Channels:          opts.NumberOfChannels,
		BufferLength:      opts.BufferLength,
		MaxBuffersPerPage: opts.MaxBuffersPerPage,
		StreamPages:       opts.StreamPages,
		Backend:           cfg.Device.Backend,
	}
	if cfg.Inheritance != nil {
		info.Inheritance = map[string]string{
			"recorder":         cfg.Inheritance.Recorder,
			"device.backend":   cfg.Inheritance.Device.Backend,
			"device.file":      cfg.Inheritance.Device.File,
			"output.directory": cfg.Inheritance.Output.Directory,
			"output.format":    cfg.Inheritance.Output.Format,
		}
	}
	return info
}

// getAvailableProfiles returns a list of available configuration profiles
func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}

	if s.configFile != "" {
		if _, err := os.Stat(s.configFile); err == nil {
			// Separate viper instance so the global one is left alone
			v := viper.New()
			v.SetConfigFile(s.configFile)

			if err := v.ReadInConfig(); err == nil {
				var rootConfig config.RootConfig
				if err := v.Unmarshal(&rootConfig); err == nil {
					for profileName := range rootConfig.Configs {
						profiles = append(profiles, profileName)
					}
				} else {
					slog.Debug("Failed to unmarshal config for profiles", "error", err)
				}
			} else {
				slog.Debug("Failed to read config file for profiles", "error", err)
			}
		}
	}

	sort.Strings(profiles)
	slog.Debug("Available profiles loaded", "profiles", profiles, "config_file", s.configFile)
	return profiles
}

func (s *Server) getActiveProfile() string {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	return s.activeProfile
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.RecordingStatus, session *service.RecordingSession) string {
	switch status {
	case service.StatusRecording:
		if session != nil {
			return fmt.Sprintf("Recording in progress - %s", session.Name)
		}
		return "Recording in progress"
	case service.StatusPaused:
		if session != nil {
			return fmt.Sprintf("Recording paused - %s", session.Name)
		}
		return "Recording paused"
	case service.StatusError:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func isRecordingFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range play.RecordingExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".ulaw":
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Dialing UDP sends nothing; it only picks the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
