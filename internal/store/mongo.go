package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

const (
	projectsCollection = "projects"
	usersCollection    = "users"

	mongoOpTimeout = 10 * time.Second
)

// Mongo implements Store over a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects to the database and verifies the connection with a ping.
// A failed ping is a fatal boot error for the caller.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindStorageUnavailable, err, "connecting to mongodb")
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, apierror.Wrap(apierror.KindStorageUnavailable, err, "pinging mongodb")
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) projects() *mongo.Collection { return m.db.Collection(projectsCollection) }
func (m *Mongo) users() *mongo.Collection    { return m.db.Collection(usersCollection) }

// storageErr classifies driver failures. Anything that is not a "no
// documents" miss is treated as the database being unavailable.
func storageErr(err error, what string) error {
	return apierror.Wrap(apierror.KindStorageUnavailable, err, "%s", what)
}

func (m *Mongo) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := m.users().FindOne(ctx, bson.M{"user_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	if err != nil {
		return nil, storageErr(err, "reading user")
	}
	return &user, nil
}

func (m *Mongo) ListUsers(ctx context.Context) ([]model.User, error) {
	cur, err := m.users().Find(ctx, bson.M{})
	if err != nil {
		return nil, storageErr(err, "listing users")
	}
	var users []model.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, storageErr(err, "decoding users")
	}
	return users, nil
}

func (m *Mongo) UpsertUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.UpdatedAt = now
	update := bson.M{
		"$set": bson.M{
			"name":       user.Name,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"user_id":    user.UserID,
			"created_at": now,
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := m.users().UpdateOne(ctx, bson.M{"user_id": user.UserID}, update, opts); err != nil {
		return storageErr(err, "upserting user")
	}
	return nil
}

func (m *Mongo) DeleteUser(ctx context.Context, userID string) error {
	res, err := m.users().DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		return storageErr(err, "deleting user")
	}
	if res.DeletedCount == 0 {
		return apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	return nil
}

func (m *Mongo) SetUserGithubKey(ctx context.Context, userID, masked string, set bool) error {
	return m.setUserKey(ctx, userID, "github_key", masked, set)
}

func (m *Mongo) SetUserAPIKey(ctx context.Context, userID, masked string, set bool) error {
	return m.setUserKey(ctx, userID, "blackbox_api_key", masked, set)
}

func (m *Mongo) setUserKey(ctx context.Context, userID, prefix, masked string, set bool) error {
	update := bson.M{
		"$set": bson.M{prefix + "_set": set, "updated_at": time.Now().UTC()},
	}
	if set {
		update["$set"].(bson.M)[prefix+"_masked"] = masked
	} else {
		update["$unset"] = bson.M{prefix + "_masked": ""}
	}
	res, err := m.users().UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		return storageErr(err, "updating user credential")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	return nil
}

func (m *Mongo) ListProjectsByUser(ctx context.Context, userID string) ([]model.Project, error) {
	cur, err := m.projects().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, storageErr(err, "listing projects")
	}
	var projects []model.Project
	if err := cur.All(ctx, &projects); err != nil {
		return nil, storageErr(err, "decoding projects")
	}
	return projects, nil
}

func (m *Mongo) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var project model.Project
	err := m.projects().FindOne(ctx, bson.M{"_id": projectID}).Decode(&project)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	if err != nil {
		return nil, storageErr(err, "reading project")
	}
	return &project, nil
}

func (m *Mongo) CreateProject(ctx context.Context, project *model.Project) error {
	if project.Sessions == nil {
		project.Sessions = []model.Session{}
	}
	if _, err := m.projects().InsertOne(ctx, project); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apierror.New(apierror.KindConflict, "project %q already exists", project.ProjectID)
		}
		return storageErr(err, "inserting project")
	}
	return nil
}

// UpdateProjectFields applies a whitelisted field map. A nil value unsets the
// field.
func (m *Mongo) UpdateProjectFields(ctx context.Context, projectID string, fields map[string]any) error {
	if err := validateProjectFields(fields); err != nil {
		return err
	}
	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	for k, v := range fields {
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = v
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, update)
	if err != nil {
		return storageErr(err, "updating project")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) DeleteProject(ctx context.Context, projectID string) error {
	res, err := m.projects().DeleteOne(ctx, bson.M{"_id": projectID})
	if err != nil {
		return storageErr(err, "deleting project")
	}
	if res.DeletedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) AddSession(ctx context.Context, projectID string, session model.Session) error {
	now := time.Now().UTC()
	// Replace the matched element in place so re-adding a session id keeps
	// its position; push only when the id is new.
	res, err := m.projects().UpdateOne(ctx,
		bson.M{"_id": projectID, "sessions.session_id": session.SessionID},
		bson.M{"$set": bson.M{"sessions.$": session, "updated_at": now}},
	)
	if err != nil {
		return storageErr(err, "replacing session")
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$push": bson.M{"sessions": session},
		"$set":  bson.M{"updated_at": now},
	})
	if err != nil {
		return storageErr(err, "adding session")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) RemoveSession(ctx context.Context, projectID, sessionID string) error {
	res, err := m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$pull": bson.M{"sessions": bson.M{"session_id": sessionID}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return storageErr(err, "removing session")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	if res.ModifiedCount == 0 {
		return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}
	return nil
}

func (m *Mongo) IncrementSessionMessages(ctx context.Context, projectID, sessionID string) error {
	res, err := m.projects().UpdateOne(ctx,
		bson.M{"_id": projectID, "sessions.session_id": sessionID},
		bson.M{
			"$inc": bson.M{"sessions.$.message_count": 1},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return storageErr(err, "incrementing session messages")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}
	return nil
}

func (m *Mongo) SetSettings(ctx context.Context, projectID string, changes map[string]string) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range changes {
		set["settings."+k] = v
	}
	res, err := m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{"$set": set})
	if err != nil {
		return storageErr(err, "updating settings")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) UnsetSetting(ctx context.Context, projectID, key string) error {
	res, err := m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$unset": bson.M{"settings." + key: ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return storageErr(err, "unsetting setting")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) UpsertExtension(ctx context.Context, projectID string, ext model.Extension) error {
	now := time.Now().UTC()
	// Update in place so a reconfigured extension keeps its position.
	res, err := m.projects().UpdateOne(ctx,
		bson.M{"_id": projectID, "extensions.name": ext.Name},
		bson.M{"$set": bson.M{"extensions.$": ext, "updated_at": now}},
	)
	if err != nil {
		return storageErr(err, "updating extension")
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$push": bson.M{"extensions": ext},
		"$set":  bson.M{"updated_at": now},
	})
	if err != nil {
		return storageErr(err, "adding extension")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return nil
}

func (m *Mongo) RemoveExtension(ctx context.Context, projectID, name string) error {
	res, err := m.projects().UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$pull": bson.M{"extensions": bson.M{"name": name}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return storageErr(err, "removing extension")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	if res.ModifiedCount == 0 {
		return apierror.New(apierror.KindNotFound, "extension %q not found", name)
	}
	return nil
}

func (m *Mongo) SetExtensionEnabled(ctx context.Context, projectID, name string, enabled bool) error {
	res, err := m.projects().UpdateOne(ctx,
		bson.M{"_id": projectID, "extensions.name": name},
		bson.M{
			"$set": bson.M{
				"extensions.$.enabled": enabled,
				"updated_at":           time.Now().UTC(),
			},
		},
	)
	if err != nil {
		return storageErr(err, "toggling extension")
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "extension %q not found", name)
	}
	return nil
}

var _ Store = (*Mongo)(nil)
