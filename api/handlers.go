package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/store"
)

// requestBodyMaxSize bounds mutation request bodies.
const requestBodyMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance and
// attaches the SSE re-render broker to both stores' change feeds.
func Register(e *echo.Echo, board BoardService, collab CollabService, logger *log.Logger) {
	broker := newRenderBroker()
	board.OnChange(broker.publish)
	collab.OnChange(broker.publish)

	e.GET("/api/board", getBoard(board, logger))
	e.GET("/api/presence", getPresence(collab))
	e.GET("/api/activities", getActivities(collab))
	e.GET("/api/tasks/:id/comments", getTaskComments(collab))
	e.GET("/api/stream", streamRenders(broker))

	e.POST("/api/tasks", postTask(board, logger))
	e.PATCH("/api/tasks/:id", patchTask(board, logger))
	e.POST("/api/tasks/:id/move", postTaskMove(board, logger))
	e.DELETE("/api/tasks/:id", deleteTask(board, logger))
	e.POST("/api/tasks/:id/tags", postTaskTag(board, logger))
	e.PATCH("/api/columns/:id", patchColumn(board, logger))

	e.POST("/api/tasks/:id/comments", postComment(collab, logger))
	e.PATCH("/api/comments/:id", patchComment(collab, logger))
	e.DELETE("/api/comments/:id", deleteComment(collab, logger))
	e.POST("/api/presence/view", postView(collab))

	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// taskView is a task joined with its assignee for rendering. Tasks
// reference users by id only; the join happens here, at render time.
type taskView struct {
	domain.Task
	Assignee *domain.User `json:"assignee,omitempty"`
}

type columnView struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Limit     int        `json:"limit,omitempty"`
	Color     string     `json:"color,omitempty"`
	OverLimit bool       `json:"overLimit"`
	Tasks     []taskView `json:"tasks"`
}

type boardView struct {
	ID      string       `json:"id"`
	Title   string       `json:"title,omitempty"`
	Columns []columnView `json:"columns"`
}

type idResponse struct {
	ID string `json:"id"`
}

func getBoard(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/board")
		defer func() { m.Log(c.Response().Status, err) }()

		b := board.Board()
		if b == nil {
			m.SetErrorStage("no_board")
			err = c.NoContent(http.StatusNoContent)
			return err
		}

		users := make(map[string]domain.User)
		for _, u := range board.Users() {
			users[u.ID] = u
		}

		view := boardView{ID: b.ID, Title: b.Title, Columns: make([]columnView, 0, len(b.Columns))}
		for i := range b.Columns {
			col := &b.Columns[i]
			cv := columnView{
				ID:        col.ID,
				Title:     col.Title,
				Limit:     col.Limit,
				Color:     col.Color,
				OverLimit: col.OverLimit(),
				Tasks:     make([]taskView, 0, len(col.Tasks)),
			}
			for _, task := range col.Tasks {
				tv := taskView{Task: task}
				if task.AssigneeID != "" {
					if u, ok := users[task.AssigneeID]; ok {
						assignee := u
						tv.Assignee = &assignee
					}
				}
				cv.Tasks = append(cv.Tasks, tv)
			}
			view.Columns = append(view.Columns, cv)
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, view)
		m.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			m.SetErrorStage("encode_response")
		}
		return err
	}
}

func getPresence(collab CollabService) echo.HandlerFunc {
	return func(c echo.Context) error {
		active := collab.ActiveUsers()
		if active == nil {
			active = []domain.Presence{}
		}
		return c.JSON(http.StatusOK, active)
	}
}

func getActivities(collab CollabService) echo.HandlerFunc {
	return func(c echo.Context) error {
		feed := collab.Activities()
		if feed == nil {
			feed = []domain.Activity{}
		}
		return c.JSON(http.StatusOK, feed)
	}
}

func getTaskComments(collab CollabService) echo.HandlerFunc {
	return func(c echo.Context) error {
		comments := collab.CommentsForTask(c.Param("id"))
		if comments == nil {
			comments = []domain.Comment{}
		}
		return c.JSON(http.StatusOK, comments)
	}
}

type createTaskRequest struct {
	ColumnID    string          `json:"columnId"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    domain.Priority `json:"priority,omitempty"`
	AssigneeID  string          `json:"assigneeId,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Estimate    int             `json:"estimate,omitempty"`
	Tags        []domain.Tag    `json:"tags,omitempty"`
}

func postTask(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks")
		defer func() { m.Log(c.Response().Status, err) }()

		var req createTaskRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		task := domain.Task{
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			AssigneeID:  req.AssigneeID,
			DueDate:     req.DueDate,
			Estimate:    req.Estimate,
			Tags:        req.Tags,
		}
		applyStart := time.Now()
		id, applyErr := board.CreateTask(c.Request().Context(), task, req.ColumnID)
		m.ObserveApply(time.Since(applyStart))
		if applyErr != nil {
			if status, ok := storeErrorStatus(applyErr); ok {
				m.SetErrorStage("store")
				err = c.String(status, applyErr.Error())
				return err
			}
			// The local apply stands; the next snapshot reconciles.
			m.SetErrorStage("remote_write")
			logger.Warnf("create task remote write: %v", applyErr)
		}
		err = c.JSON(http.StatusAccepted, idResponse{ID: id})
		return err
	}
}

type taskPatchRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *string          `json:"status"`
	Priority    *domain.Priority `json:"priority"`
	AssigneeID  *string          `json:"assigneeId"`
	DueDate     *time.Time       `json:"dueDate"`
	Estimate    *int             `json:"estimate"`
}

func patchTask(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks/:id")
		defer func() { m.Log(c.Response().Status, err) }()

		var req taskPatchRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		patch := store.TaskPatch{
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
			Priority:    req.Priority,
			AssigneeID:  req.AssigneeID,
			DueDate:     req.DueDate,
			Estimate:    req.Estimate,
		}
		applyStart := time.Now()
		applyErr := board.UpdateTask(c.Request().Context(), c.Param("id"), patch)
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "update task", applyErr)
		return err
	}
}

type moveTaskRequest struct {
	SourceColumnID string `json:"sourceColumnId"`
	TargetColumnID string `json:"targetColumnId"`
}

func postTaskMove(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks/:id/move")
		defer func() { m.Log(c.Response().Status, err) }()

		var req moveTaskRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		applyErr := board.MoveTask(c.Request().Context(), c.Param("id"), req.SourceColumnID, req.TargetColumnID)
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "move task", applyErr)
		return err
	}
}

func deleteTask(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks/:id")
		defer func() { m.Log(c.Response().Status, err) }()

		applyStart := time.Now()
		applyErr := board.DeleteTask(c.Request().Context(), c.Param("id"))
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "delete task", applyErr)
		return err
	}
}

func postTaskTag(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks/:id/tags")
		defer func() { m.Log(c.Response().Status, err) }()

		var tag domain.Tag
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &tag)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil || tag.ID == "" {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		applyErr := board.ToggleTag(c.Request().Context(), c.Param("id"), tag)
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "toggle tag", applyErr)
		return err
	}
}

type columnPatchRequest struct {
	Title *string `json:"title"`
	Limit *int    `json:"limit"`
	Color *string `json:"color"`
}

func patchColumn(board BoardService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/columns/:id")
		defer func() { m.Log(c.Response().Status, err) }()

		var req columnPatchRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		applyErr := board.UpdateColumn(c.Request().Context(), c.Param("id"), store.ColumnPatch{
			Title: req.Title,
			Limit: req.Limit,
			Color: req.Color,
		})
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "update column", applyErr)
		return err
	}
}

type commentRequest struct {
	Content string `json:"content"`
}

func postComment(collab CollabService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/tasks/:id/comments")
		defer func() { m.Log(c.Response().Status, err) }()

		var req commentRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		id, applyErr := collab.AddComment(c.Request().Context(), c.Param("id"), req.Content)
		m.ObserveApply(time.Since(applyStart))
		if applyErr != nil {
			if status, ok := storeErrorStatus(applyErr); ok {
				m.SetErrorStage("store")
				err = c.String(status, applyErr.Error())
				return err
			}
			m.SetErrorStage("remote_write")
			logger.Warnf("add comment remote write: %v", applyErr)
		}
		err = c.JSON(http.StatusAccepted, idResponse{ID: id})
		return err
	}
}

func patchComment(collab CollabService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/comments/:id")
		defer func() { m.Log(c.Response().Status, err) }()

		var req commentRequest
		decodeStart := time.Now()
		decodeErr := decodeBody(c, &req)
		m.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			m.SetErrorStage("decode_request")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		applyErr := collab.EditComment(c.Request().Context(), c.Param("id"), req.Content)
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "edit comment", applyErr)
		return err
	}
}

func deleteComment(collab CollabService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/comments/:id")
		defer func() { m.Log(c.Response().Status, err) }()

		applyStart := time.Now()
		applyErr := collab.DeleteComment(c.Request().Context(), c.Param("id"))
		m.ObserveApply(time.Since(applyStart))
		err = writeMutationResult(c, m, logger, "delete comment", applyErr)
		return err
	}
}

type viewRequest struct {
	View   string `json:"view"`
	TaskID string `json:"taskId,omitempty"`
}

func postView(collab CollabService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req viewRequest
		if err := decodeBody(c, &req); err != nil || req.View == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		collab.SetView(req.View, req.TaskID)
		return c.NoContent(http.StatusAccepted)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// storeErrorStatus maps validation and lookup failures, which happen
// before the local apply, to client error statuses. Remote write
// failures have no mapping: the optimistic apply stands.
func storeErrorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, store.ErrEmptyTitle), errors.Is(err, store.ErrEmptyComment):
		return http.StatusBadRequest, true
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrColumnNotFound),
		errors.Is(err, store.ErrCommentNotFound),
		errors.Is(err, store.ErrNoBoard):
		return http.StatusNotFound, true
	case errors.Is(err, store.ErrNotSignedIn):
		return http.StatusUnauthorized, true
	}
	return 0, false
}

func writeMutationResult(c echo.Context, m *requestMetrics, logger *log.Logger, op string, applyErr error) error {
	if applyErr != nil {
		if status, ok := storeErrorStatus(applyErr); ok {
			m.SetErrorStage("store")
			return c.String(status, applyErr.Error())
		}
		m.SetErrorStage("remote_write")
		logger.Warnf("%s remote write: %v", op, applyErr)
	}
	return c.NoContent(http.StatusAccepted)
}
