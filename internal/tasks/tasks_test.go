package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"docgather/internal/config"
	"docgather/internal/llm"
	"docgather/internal/persistence"
	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
	"docgather/internal/taxonomy"
)

type upload struct {
	documentID string
	role       string
	mime       string
	size       int
}

type fakeStore struct {
	blobs   map[string][]byte
	uploads []upload
	hits    int
}

func blobKey(documentID, role string) string { return documentID + "/" + role }

func (s *fakeStore) Download(_ context.Context, documentID, role string) ([]byte, error) {
	s.hits++
	data, ok := s.blobs[blobKey(documentID, role)]
	if !ok {
		return nil, fmt.Errorf("storage download failed with status (404): no %s blob for %s", role, documentID)
	}
	return data, nil
}

func (s *fakeStore) Upload(_ context.Context, documentID, role string, data []byte, mime string) (*storage.UploadResult, error) {
	s.uploads = append(s.uploads, upload{documentID: documentID, role: role, mime: mime, size: len(data)})
	if s.blobs == nil {
		s.blobs = map[string][]byte{}
	}
	s.blobs[blobKey(documentID, role)] = data
	return &storage.UploadResult{
		StoragePath: "documents/" + documentID + "/" + role,
		ContentHash: "hash-" + role,
	}, nil
}

type gwCall struct {
	method string
	prompt string
	user   string
	opts   llm.Options
}

type fakeGateway struct {
	calls     []gwCall
	responses []*llm.Response
	files     []llm.ProviderFile
	uploaded  []string
	deleted   []string
	uploadErr error
}

func (g *fakeGateway) next() *llm.Response {
	if len(g.responses) == 0 {
		return &llm.Response{Content: "{}", Model: "test-model"}
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp
}

func (g *fakeGateway) Text(_ context.Context, systemPrompt, userPrompt string, opts llm.Options) (*llm.Response, error) {
	g.calls = append(g.calls, gwCall{method: "text", prompt: systemPrompt, user: userPrompt, opts: opts})
	return g.next(), nil
}

func (g *fakeGateway) Vision(_ context.Context, systemPrompt string, _ []byte, _ string, opts llm.Options) (*llm.Response, error) {
	g.calls = append(g.calls, gwCall{method: "vision", prompt: systemPrompt, opts: opts})
	return g.next(), nil
}

func (g *fakeGateway) OCR(_ context.Context, systemPrompt string, _ []byte, _ string, opts llm.Options) (*llm.Response, error) {
	g.calls = append(g.calls, gwCall{method: "ocr", prompt: systemPrompt, opts: opts})
	return g.next(), nil
}

func (g *fakeGateway) Upload(_ context.Context, documentID string, _ []byte, _, _ string) (string, error) {
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	id := "file-" + documentID
	g.uploaded = append(g.uploaded, id)
	return id, nil
}

func (g *fakeGateway) Delete(_ context.Context, fileID string) error {
	g.deleted = append(g.deleted, fileID)
	return nil
}

func (g *fakeGateway) ListFiles(_ context.Context, _ string) ([]llm.ProviderFile, error) {
	return g.files, nil
}

type fakeTaskPersister struct {
	fileUpdates []persistence.FileUpdate
	children    []string
	childHints  []string
	private     int
}

func (p *fakeTaskPersister) UpdateDocumentFile(_ context.Context, update persistence.FileUpdate) (string, error) {
	p.fileUpdates = append(p.fileUpdates, update)
	return "file-row-1", nil
}

func (p *fakeTaskPersister) CreateChildDocument(_ context.Context, parentID, _ string, _ []int, typeHint string) (string, error) {
	id := fmt.Sprintf("%s-child-%d", parentID, len(p.children)+1)
	p.children = append(p.children, id)
	p.childHints = append(p.childHints, typeHint)
	return id, nil
}

func (p *fakeTaskPersister) EncryptJSONB(_ context.Context, data any, _ int) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	return raw, err
}

func (p *fakeTaskPersister) UpdateDocumentPrivate(_ context.Context, _ string, _, _ json.RawMessage, _ int) error {
	p.private++
	return nil
}

type fakeRecorder struct {
	recorded []*llm.Response
}

func (r *fakeRecorder) Record(_ string, resp *llm.Response) {
	r.recorded = append(r.recorded, resp)
}

type enqueued struct {
	queueName string
	job       *queue.Job
}

type fakeEnqueuer struct {
	jobs []enqueued
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, queueName string, job *queue.Job) error {
	e.jobs = append(e.jobs, enqueued{queueName: queueName, job: job})
	return nil
}

// fakeRunner dispatches by command name so each test scripts exactly the
// helpers its worker shells out to.
type fakeRunner struct {
	handlers map[string]func(args []string, stdin []byte) ([]byte, error)
	calls    []struct {
		command string
		args    []string
	}
}

func (r *fakeRunner) Run(_ context.Context, command string, args []string, stdin []byte) ([]byte, error) {
	r.calls = append(r.calls, struct {
		command string
		args    []string
	}{command, args})
	h, ok := r.handlers[command]
	if !ok {
		return nil, fmt.Errorf("%s failed: not scripted", command)
	}
	return h(args, stdin)
}

func (r *fakeRunner) callsFor(command string) [][]string {
	var out [][]string
	for _, c := range r.calls {
		if c.command == command {
			out = append(out, c.args)
		}
	}
	return out
}

type env struct {
	workers *Workers
	store   *fakeStore
	gateway *fakeGateway
	persist *fakeTaskPersister
	billing *fakeRecorder
	broker  *fakeEnqueuer
	runner  *fakeRunner
	cfg     config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	registry, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}
	e := &env{
		store:   &fakeStore{blobs: map[string][]byte{}},
		gateway: &fakeGateway{},
		persist: &fakeTaskPersister{},
		billing: &fakeRecorder{},
		broker:  &fakeEnqueuer{},
		runner:  &fakeRunner{handlers: map[string]func([]string, []byte) ([]byte, error){}},
		cfg:     config.Default(),
	}
	e.workers = New(e.store, e.persist, e.gateway, e.billing, registry, e.broker, e.runner, e.cfg, zap.NewNop())
	return e
}

// rebuild re-wires the workers after a test mutates e.cfg.
func (e *env) rebuild(t *testing.T) {
	t.Helper()
	registry, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}
	e.workers = New(e.store, e.persist, e.gateway, e.billing, registry, e.broker, e.runner, e.cfg, zap.NewNop())
}

func jobFor(t *testing.T, input pipeline.SubtaskInput) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return &queue.Job{ID: input.DocumentID + "-test", Data: raw}
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestTruncateTextRuneSafe(t *testing.T) {
	long := strings.Repeat("é", maxExtractedChars+10)
	got := truncateText(long)
	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatal("expected truncation marker")
	}
	body := strings.TrimSuffix(got, truncationMarker)
	if n := len([]rune(body)); n != maxExtractedChars {
		t.Errorf("kept %d runes, want %d", n, maxExtractedChars)
	}
	if strings.ContainsRune(body, '�') {
		t.Error("multibyte rune was split")
	}

	short := "hello"
	if truncateText(short) != short {
		t.Error("short text must pass through unchanged")
	}
}

func TestTxtSimpleExtractLossyDecode(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("caf\xe9 latte")

	out, err := e.workers.TxtSimpleExtract(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "text/plain",
	}))
	if err != nil {
		t.Fatalf("TxtSimpleExtract: %v", err)
	}
	result := out.(*pipeline.TxtExtractResult)
	if !result.Success {
		t.Error("expected success")
	}
	if !strings.HasPrefix(result.Text, "caf") || !strings.HasSuffix(result.Text, " latte") {
		t.Errorf("unexpected text %q", result.Text)
	}
	if strings.Contains(result.Text, "\xe9") {
		t.Error("invalid byte survived the decode")
	}
}

func TestPDFPreAnalysisNonPDFShortCircuits(t *testing.T) {
	e := newEnv(t)
	out, err := e.workers.PDFPreAnalysis(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "image/jpeg",
	}))
	if err != nil {
		t.Fatalf("PDFPreAnalysis: %v", err)
	}
	result := out.(*pipeline.PreAnalysisResult)
	if result.TextQuality != pipeline.QualityNone {
		t.Errorf("quality=%s, want %s", result.TextQuality, pipeline.QualityNone)
	}
	if e.store.hits != 0 {
		t.Errorf("store hit %d times, want 0", e.store.hits)
	}
}

func TestPDFPreAnalysisParsesHelperOutput(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("%PDF-1.7")
	e.runner.handlers[cmdPDFAnalyze] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte(`{"pageCount":3,"hasTextLayer":true,"textQuality":"good","isMultiDocument":false}`), nil
	}

	out, err := e.workers.PDFPreAnalysis(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "application/pdf",
	}))
	if err != nil {
		t.Fatalf("PDFPreAnalysis: %v", err)
	}
	result := out.(*pipeline.PreAnalysisResult)
	if result.PageCount != 3 || result.TextQuality != pipeline.QualityGood {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestPDFSimpleExtractUsesConvertedPDF(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleConvertedPDF)] = []byte("%PDF-1.7")
	e.runner.handlers[cmdPDFExtract] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte(`{"text":"invoice total 42","pageCount":1,"hasTextLayer":true}`), nil
	}

	out, err := e.workers.PDFSimpleExtract(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "application/msword",
		ConvertedPdfPath: "documents/doc-1/converted_pdf",
	}))
	if err != nil {
		t.Fatalf("PDFSimpleExtract: %v", err)
	}
	result := out.(*pipeline.SimpleExtractResult)
	if result.Text != "invoice total 42" {
		t.Errorf("text=%q", result.Text)
	}
}

func TestFormatConversionSpreadsheetExtractsDirectly(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("xlsx-bytes")
	e.runner.handlers[cmdSheetText] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte(`{"extractedText":"A1: 12\nA2: 34"}`), nil
	}

	out, err := e.workers.FormatConversion(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1",
		MimeType:   "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}))
	if err != nil {
		t.Fatalf("FormatConversion: %v", err)
	}
	result := out.(*pipeline.ConversionResult)
	if result.ExtractedText != "A1: 12\nA2: 34" {
		t.Errorf("extractedText=%q", result.ExtractedText)
	}
	if result.ConvertedPdfPath != "" {
		t.Error("spreadsheet path must not produce a converted pdf")
	}
	if len(e.runner.callsFor(cmdLibreOffice)) != 0 {
		t.Error("xlsx input must skip the xlsx conversion")
	}
}

func TestFormatConversionWordToPDF(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("doc-bytes")
	e.runner.handlers[cmdLibreOffice] = func(args []string, _ []byte) ([]byte, error) {
		// soffice --headless --convert-to pdf --outdir <dir> <src>
		outDir := args[4]
		src := args[5]
		base := strings.TrimSuffix(src, ".docx")
		base = base[strings.LastIndex(base, "/")+1:]
		return nil, os.WriteFile(outDir+"/"+base+".pdf", []byte("%PDF-1.7 converted"), 0o600)
	}

	out, err := e.workers.FormatConversion(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1",
		MimeType:   "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}))
	if err != nil {
		t.Fatalf("FormatConversion: %v", err)
	}
	result := out.(*pipeline.ConversionResult)
	if result.ConvertedPdfPath != "documents/doc-1/converted_pdf" {
		t.Errorf("convertedPdfPath=%q", result.ConvertedPdfPath)
	}
	if len(e.store.uploads) != 1 || e.store.uploads[0].role != storage.RoleConvertedPDF {
		t.Fatalf("uploads=%+v, want one converted_pdf", e.store.uploads)
	}
}

func TestImageScalingQualityLadder(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = pngBytes(t, 2000, 1000)
	e.runner.handlers[cmdCwebp] = func(args []string, _ []byte) ([]byte, error) {
		quality := args[2]
		out := args[len(args)-1]
		size := maxScaledBytes + 1000
		if quality != "85" {
			size = 1000
		}
		return nil, os.WriteFile(out, bytes.Repeat([]byte{0xab}, size), 0o600)
	}

	out, err := e.workers.ImageScaling(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "image/png",
	}))
	if err != nil {
		t.Fatalf("ImageScaling: %v", err)
	}
	result := out.(*pipeline.ScalingResult)
	if len(result.ScaledPaths) != 1 {
		t.Fatalf("scaledPaths=%v", result.ScaledPaths)
	}

	calls := e.runner.callsFor(cmdCwebp)
	if len(calls) != 2 {
		t.Fatalf("cwebp called %d times, want 2", len(calls))
	}
	if calls[0][2] != "85" || calls[1][2] != "80" {
		t.Errorf("quality sequence %s,%s want 85,80", calls[0][2], calls[1][2])
	}
	// 2000x1000 bounds the longest side at 1280.
	if calls[0][4] != "1280" || calls[0][5] != "640" {
		t.Errorf("resize args %s,%s want 1280,640", calls[0][4], calls[0][5])
	}

	if len(e.store.uploads) != 1 || e.store.uploads[0].role != storage.RoleLLMOptimized {
		t.Fatalf("uploads=%+v, want one llm_optimized", e.store.uploads)
	}
	if e.store.uploads[0].size >= maxScaledBytes {
		t.Errorf("uploaded %d bytes, want under %d", e.store.uploads[0].size, maxScaledBytes)
	}
	if len(e.persist.fileUpdates) != 1 {
		t.Fatalf("fileUpdates=%d, want 1", len(e.persist.fileUpdates))
	}
	if fu := e.persist.fileUpdates[0]; fu.Width == nil || *fu.Width != 2000 {
		t.Errorf("recorded width=%v, want 2000", fu.Width)
	}
}

func TestImageScalingSmallImageSkipsResize(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = pngBytes(t, 800, 600)
	e.runner.handlers[cmdCwebp] = func(args []string, _ []byte) ([]byte, error) {
		return nil, os.WriteFile(args[len(args)-1], []byte("small"), 0o600)
	}

	if _, err := e.workers.ImageScaling(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "image/png",
	})); err != nil {
		t.Fatalf("ImageScaling: %v", err)
	}
	for _, arg := range e.runner.callsFor(cmdCwebp)[0] {
		if arg == "-resize" {
			t.Fatal("small image must not be resized")
		}
	}
}

func TestImageScalingPDFRasterFullResForOCREndpoint(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("%PDF-1.7")
	e.runner.handlers[cmdPDFRaster] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte("webp-bytes"), nil
	}

	if _, err := e.workers.ImageScaling(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "application/pdf",
	})); err != nil {
		t.Fatalf("ImageScaling: %v", err)
	}
	if args := e.runner.callsFor(cmdPDFRaster)[0]; args[1] != "0" {
		t.Errorf("maxSide=%s, want 0 for the ocr endpoint", args[1])
	}

	e.cfg.LLM.OCR.Provider = config.ProviderRateLimited
	e.rebuild(t)
	if _, err := e.workers.ImageScaling(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "application/pdf",
	})); err != nil {
		t.Fatalf("ImageScaling: %v", err)
	}
	if args := e.runner.callsFor(cmdPDFRaster)[1]; args[1] != "1280" {
		t.Errorf("maxSide=%s, want 1280 for chat vision", args[1])
	}
}

func TestImagePrefilterDetectsText(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleLLMOptimized)] = []byte("webp-bytes")
	decoded := pngBytes(t, 10, 10)
	e.runner.handlers[cmdDwebp] = func(args []string, _ []byte) ([]byte, error) {
		return nil, os.WriteFile(args[2], decoded, 0o600)
	}
	e.runner.handlers[cmdTesseract] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte("  RECEIPT\nTotal: 12.50  \n"), nil
	}

	out, err := e.workers.ImagePrefilter(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "image/jpeg",
	}))
	if err != nil {
		t.Fatalf("ImagePrefilter: %v", err)
	}
	result := out.(*pipeline.PrefilterResult)
	if !result.HasText {
		t.Error("expected text detected")
	}
	if result.RawText != "RECEIPT\nTotal: 12.50" {
		t.Errorf("rawText=%q", result.RawText)
	}

	args := e.runner.callsFor(cmdTesseract)[0]
	if args[1] != "stdout" || args[3] != tesseractLangs {
		t.Errorf("tesseract args %v", args)
	}
}

func TestImagePrefilterBlankImage(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleLLMOptimized)] = []byte("webp-bytes")
	decoded := pngBytes(t, 10, 10)
	e.runner.handlers[cmdDwebp] = func(args []string, _ []byte) ([]byte, error) {
		return nil, os.WriteFile(args[2], decoded, 0o600)
	}
	e.runner.handlers[cmdTesseract] = func(_ []string, _ []byte) ([]byte, error) {
		return []byte("   \n\n"), nil
	}

	out, err := e.workers.ImagePrefilter(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1", MimeType: "image/jpeg",
	}))
	if err != nil {
		t.Fatalf("ImagePrefilter: %v", err)
	}
	result := out.(*pipeline.PrefilterResult)
	if result.HasText || result.CharCount != 0 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestPDFSplitterSpawnsChildren(t *testing.T) {
	e := newEnv(t)
	e.store.blobs[blobKey("doc-1", storage.RoleOriginal)] = []byte("%PDF-1.7")
	e.runner.handlers[cmdPDFSplit] = func(args []string, _ []byte) ([]byte, error) {
		return []byte("%PDF child " + args[1]), nil
	}

	out, err := e.workers.PDFSplitter(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID: "doc-1",
		OwnerID:    "owner-1",
		MimeType:   "application/pdf",
		PreAnalysis: &pipeline.PreAnalysisResult{
			IsMultiDocument: true,
			Documents: []pipeline.SplitDocument{
				{Type: "finance.invoice", Pages: []int{1, 2}},
				{Type: "finance.receipt", Pages: []int{3}, Crop: "0,0,595,400"},
			},
		},
	}))
	if err != nil {
		t.Fatalf("PDFSplitter: %v", err)
	}
	result := out.(*pipeline.SplitResult)
	if result.SplitInto != 2 || len(result.ChildDocumentIDs) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	splits := e.runner.callsFor(cmdPDFSplit)
	if splits[0][1] != "1,2" || splits[1][1] != "3" {
		t.Errorf("page args %v", splits)
	}
	if len(splits[1]) != 3 || splits[1][2] != "0,0,595,400" {
		t.Errorf("crop args %v", splits[1])
	}

	if len(e.broker.jobs) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(e.broker.jobs))
	}
	first := e.broker.jobs[0]
	if first.queueName != queue.Orchestrator {
		t.Errorf("queue=%s, want %s", first.queueName, queue.Orchestrator)
	}
	if first.job.ID != queue.ChildID(e.persist.children[0], queue.Orchestrator) {
		t.Errorf("job id=%s", first.job.ID)
	}
	child, err := pipeline.ParseInput(first.job.Data)
	if err != nil {
		t.Fatalf("parse child input: %v", err)
	}
	if child.Source != "split" || child.Step != pipeline.StepInitial || child.MimeType != "application/pdf" {
		t.Errorf("child input %+v", child)
	}

	// Each child gets original bytes plus provenance metadata.
	uploads := 0
	for _, u := range e.store.uploads {
		if u.role == storage.RoleOriginal {
			uploads++
		}
	}
	if uploads != 2 || e.persist.private != 2 {
		t.Errorf("uploads=%d private=%d, want 2/2", uploads, e.persist.private)
	}
}

func TestPDFSplitterNoopForSingleDocument(t *testing.T) {
	e := newEnv(t)
	out, err := e.workers.PDFSplitter(context.Background(), jobFor(t, pipeline.SubtaskInput{
		DocumentID:  "doc-1",
		MimeType:    "application/pdf",
		PreAnalysis: &pipeline.PreAnalysisResult{IsMultiDocument: false},
	}))
	if err != nil {
		t.Fatalf("PDFSplitter: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil result, got %v", out)
	}
	if len(e.broker.jobs) != 0 {
		t.Error("no children must be enqueued")
	}
}
